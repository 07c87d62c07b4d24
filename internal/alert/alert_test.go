package alert

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

var quietLogger = log.New(io.Discard, "", 0)

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	sent  chan struct{}
	err   error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(chan struct{}, 16)}
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return f.err
}

func (f *fakeNotifier) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for notification %d", i+1)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func viewAt(level float64) reconciler.View {
	s := telemetry.Snapshot{
		ID:        1,
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Values:    telemetry.Values{LevelMeter: level},
	}
	return reconciler.View{
		State:      reconciler.StatePopulated,
		DataSource: reconciler.SourceLive,
		Snapshot:   &s,
		TankStatus: s.Status(),
	}
}

func TestWatcherAlertsOnTransitions(t *testing.T) {
	n := newFakeNotifier()
	w := NewWatcher(n, WithLogger(quietLogger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Close()

	w.Observe(reconciler.View{State: reconciler.StateErrored})
	w.Observe(viewAt(50)) // первое Normal не оповещается
	w.Observe(viewAt(55))
	w.Observe(viewAt(95))
	w.Observe(viewAt(96))
	w.Observe(viewAt(60))
	w.Observe(viewAt(10))

	texts := n.wait(t, 3)
	if len(texts) != 3 {
		t.Fatalf("expected 3 alerts, got %d: %v", len(texts), texts)
	}
	if !strings.Contains(texts[0], "niveau haut 95.0") {
		t.Errorf("unexpected high alert %q", texts[0])
	}
	if !strings.Contains(texts[1], "retour au niveau normal") || !strings.Contains(texts[1], "était haut") {
		t.Errorf("unexpected normal alert %q", texts[1])
	}
	if !strings.Contains(texts[2], "niveau bas 10.0") {
		t.Errorf("unexpected low alert %q", texts[2])
	}
}

func TestWatcherFirstAbnormalStatusAlerts(t *testing.T) {
	n := newFakeNotifier()
	w := NewWatcher(n, WithLogger(quietLogger))
	go w.Run(context.Background())
	defer w.Close()

	w.Observe(viewAt(5))
	texts := n.wait(t, 1)
	if !strings.Contains(texts[0], "niveau bas") {
		t.Fatalf("unexpected alert %q", texts[0])
	}
}

func TestWatcherIgnoresTerminatedView(t *testing.T) {
	w := NewWatcher(newFakeNotifier(), WithLogger(quietLogger))
	v := viewAt(95)
	v.State = reconciler.StateTerminated
	w.Observe(v)
	if len(w.queue) != 0 {
		t.Fatalf("terminated view must not alert")
	}
}

func TestWatcherDropsWhenQueueFull(t *testing.T) {
	w := NewWatcher(newFakeNotifier(), WithLogger(quietLogger), WithQueueSize(1))
	w.Observe(viewAt(95))
	w.Observe(viewAt(10))
	w.Observe(viewAt(95))
	if len(w.queue) != 1 {
		t.Fatalf("queue length = %d", len(w.queue))
	}
}

func TestWatcherSurvivesNotifierError(t *testing.T) {
	n := newFakeNotifier()
	n.err = errors.New("telegram down")
	w := NewWatcher(n, WithLogger(quietLogger))
	go w.Run(context.Background())
	defer w.Close()

	w.Observe(viewAt(95))
	w.Observe(viewAt(50))
	if texts := n.wait(t, 2); len(texts) != 2 {
		t.Fatalf("expected both alerts attempted, got %v", texts)
	}
}

func TestTelegramNotify(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Tank","username":"tankwatch_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.FormValue("chat_id")+":"+r.FormValue("text"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := newTelegram("123:abc", 42, srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("newTelegram: %v", err)
	}
	if tg.Username() != "tankwatch_bot" {
		t.Fatalf("username = %q", tg.Username())
	}
	if err := tg.Notify(context.Background(), "niveau haut"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != "42:niveau haut" {
		t.Fatalf("unexpected sends %v", sent)
	}
}

func TestTelegramRejectsBadConfig(t *testing.T) {
	if _, err := NewTelegram("", 1); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewTelegram("token", 0); err == nil {
		t.Fatalf("expected error for zero chat id")
	}
}
