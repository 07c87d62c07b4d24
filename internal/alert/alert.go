package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Notifier доставляет текстовое оповещение оператору.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier пишет оповещения в лог, когда внешний канал не настроен.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, text string) error {
	l := n.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("alert: %s", text)
	return nil
}

// Размер очереди и таймаут одной отправки.
const (
	DefaultQueueSize   = 16
	DefaultSendTimeout = 10 * time.Second
)

// Watcher следит за сменой TankStatus и ставит оповещения в очередь.
// Observe не блокируется: при переполненной очереди оповещение отбрасывается.
type Watcher struct {
	notifier Notifier
	logger   *log.Logger
	timeout  time.Duration
	queue    chan string

	mu   sync.Mutex
	last telemetry.TankStatus
	seen bool

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Watcher)

func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithQueueSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.timeout = d }
}

func NewWatcher(n Notifier, opts ...Option) *Watcher {
	w := &Watcher{
		notifier: n,
		logger:   log.Default(),
		timeout:  DefaultSendTimeout,
		queue:    make(chan string, DefaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Observe принимает состояние подключения (для Reconciler.Observe).
// Первое известное состояние оповещается, только если оно не Normal.
func (w *Watcher) Observe(v reconciler.View) {
	if v.Snapshot == nil || v.State == reconciler.StateTerminated {
		return
	}
	w.mu.Lock()
	prev, seen := w.last, w.seen
	w.last, w.seen = v.TankStatus, true
	w.mu.Unlock()

	if seen && prev == v.TankStatus {
		return
	}
	if !seen && v.TankStatus == telemetry.StatusNormal {
		return
	}
	text := Message(prev, v.TankStatus, *v.Snapshot)
	select {
	case w.queue <- text:
	default:
		w.logger.Printf("alert: queue full, drop %q", text)
	}
}

// Run отправляет оповещения из очереди до отмены ctx или Close.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case text := <-w.queue:
			w.send(ctx, text)
		}
	}
}

func (w *Watcher) send(ctx context.Context, text string) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.notifier.Notify(ctx, text); err != nil {
		w.logger.Printf("alert: notify: %v", err)
	}
}

// Close останавливает Run. Неотправленные оповещения теряются.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// Message формирует текст оповещения о смене статуса.
func Message(prev, next telemetry.TankStatus, s telemetry.Snapshot) string {
	ts := s.Timestamp.UTC().Format("2006-01-02 15:04:05")
	switch next {
	case telemetry.StatusHigh:
		return fmt.Sprintf("⚠️ Réservoir : niveau haut %.1f %% (seuil %.0f %%), %s UTC", s.Values.LevelMeter, telemetry.HighLevel, ts)
	case telemetry.StatusLow:
		return fmt.Sprintf("⚠️ Réservoir : niveau bas %.1f %% (seuil %.0f %%), %s UTC", s.Values.LevelMeter, telemetry.LowLevel, ts)
	default:
		if prev == "" {
			return fmt.Sprintf("✅ Réservoir : niveau normal %.1f %%, %s UTC", s.Values.LevelMeter, ts)
		}
		return fmt.Sprintf("✅ Réservoir : retour au niveau normal %.1f %% (était %s), %s UTC", s.Values.LevelMeter, statusLabel(prev), ts)
	}
}

func statusLabel(s telemetry.TankStatus) string {
	switch s {
	case telemetry.StatusHigh:
		return "haut"
	case telemetry.StatusLow:
		return "bas"
	default:
		return "normal"
	}
}
