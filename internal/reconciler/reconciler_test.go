package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pv/tankwatch-go/internal/storage/memstore"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

func newTestReconciler(s *memstore.Store, opts ...Option) *Reconciler {
	feed := NewFeed(s, WithFeedLogger(quietLogger))
	return New(feed, append([]Option{WithLogger(quietLogger)}, opts...)...)
}

func TestAttachWithInitialSkipsPullAndAppliesPush(t *testing.T) {
	s := memstore.New()
	s.SetLatestError(errors.New("pull must not happen"))

	initial := snapAt(1, 0, 10)
	r := newTestReconciler(s, WithInitial(initial))
	if v := r.View(); v.State != StatePopulated || v.DataSource != SourceInitial {
		t.Fatalf("unexpected initial view %+v", v)
	}
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	if _, err := s.Insert(context.Background(), time.Date(2024, 6, 1, 10, 0, 1, 0, time.UTC), json.RawMessage(`{"level_meter":42.5}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v := r.View()
	if v.Snapshot == nil || v.Snapshot.Values.LevelMeter != 42.5 {
		t.Fatalf("view does not expose pushed level: %+v", v)
	}
	if v.DataSource != SourceLive || !v.Live || v.State != StatePopulated {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.TankStatus != telemetry.StatusNormal {
		t.Fatalf("tank status = %s", v.TankStatus)
	}
}

func TestAttachPullsLatest(t *testing.T) {
	s := memstore.New()
	putRow(t, s, 1, 0, `{"level_meter":95}`)
	r := newTestReconciler(s)

	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	v := r.View()
	if v.State != StatePopulated || v.DataSource != SourceInitial || v.Snapshot.ID != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.TankStatus != telemetry.StatusHigh {
		t.Fatalf("tank status = %s", v.TankStatus)
	}
}

func TestAttachOnEmptyStoreErrorsButKeepsSubscription(t *testing.T) {
	s := memstore.New()
	r := newTestReconciler(s)

	err := r.Attach(context.Background())
	if !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	defer r.Detach()

	v := r.View()
	if v.State != StateErrored || v.Snapshot != nil || v.LastError == "" {
		t.Fatalf("unexpected errored view %+v", v)
	}
	if s.Subscribers() != 1 {
		t.Fatalf("subscription must stay open after pull failure")
	}

	putRow(t, s, 1, 0, `{"level_meter":15}`)
	v = r.View()
	if v.State != StatePopulated || v.DataSource != SourceLive || v.TankStatus != telemetry.StatusLow {
		t.Fatalf("push did not recover errored view: %+v", v)
	}
}

func TestGuardRejectsOutOfOrderPush(t *testing.T) {
	s := memstore.New()
	r := newTestReconciler(s, WithInitial(snapAt(5, 5, 50)))
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	putRow(t, s, 3, 3, `{"level_meter":30}`)
	v := r.View()
	if v.Snapshot.ID != 5 || v.Rejected != 1 || v.Accepted != 0 {
		t.Fatalf("older push must be rejected: %+v", v)
	}

	putRow(t, s, 6, 6, `{"level_meter":60}`)
	v = r.View()
	if v.Snapshot.ID != 6 || v.Accepted != 1 {
		t.Fatalf("newer push must be accepted: %+v", v)
	}
}

func TestAcceptAllTakesLastDelivered(t *testing.T) {
	s := memstore.New()
	r := newTestReconciler(s, WithInitial(snapAt(5, 5, 50)), WithPolicy(PolicyAcceptAll))
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	putRow(t, s, 3, 3, `{"level_meter":30}`)
	if v := r.View(); v.Snapshot.ID != 3 {
		t.Fatalf("accept-all must take the delivered snapshot, got %+v", v.Snapshot)
	}
}

func TestMalformedPushLeavesStateUnchanged(t *testing.T) {
	s := memstore.New()
	r := newTestReconciler(s, WithInitial(snapAt(1, 0, 40)))
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	before := r.View()
	putRow(t, s, 2, 1, "")
	after := r.View()
	if after.Snapshot.ID != before.Snapshot.ID || after.Accepted != before.Accepted {
		t.Fatalf("malformed row changed state: %+v", after)
	}

	putRow(t, s, 3, 2, `{"level_meter":41}`)
	if v := r.View(); v.Snapshot.ID != 3 {
		t.Fatalf("chain stopped after malformed row: %+v", v)
	}
}

func TestDetachReleasesSubscriptionAndIgnoresEvents(t *testing.T) {
	s := memstore.New()
	r := newTestReconciler(s, WithInitial(snapAt(1, 0, 40)))
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r.Detach()
	r.Detach()
	if s.Subscribers() != 0 {
		t.Fatalf("subscription not released on detach")
	}
	if v := r.View(); v.State != StateTerminated || v.Live {
		t.Fatalf("unexpected view after detach %+v", v)
	}
	if r.Apply(snapAt(9, 9, 90), SourceLive) {
		t.Fatalf("Apply after detach must be ignored")
	}
	if err := r.Attach(context.Background()); !errors.Is(err, ErrDetached) {
		t.Fatalf("Attach after detach: %v", err)
	}
	if err := r.Refresh(context.Background()); !errors.Is(err, ErrDetached) {
		t.Fatalf("Refresh after detach: %v", err)
	}
}

func TestDetachDuringPullDiscardsResult(t *testing.T) {
	src := &blockingSource{Store: memstore.New(), started: make(chan struct{}), release: make(chan struct{})}
	putRow(t, src.Store, 1, 0, `{"level_meter":40}`)
	r := New(NewFeed(src, WithFeedLogger(quietLogger)), WithLogger(quietLogger))

	done := make(chan error, 1)
	go func() { done <- r.Attach(context.Background()) }()

	<-src.started
	r.Detach()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("attach must report the cancelled pull")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("attach did not return after detach")
	}
	v := r.View()
	if v.State != StateTerminated || v.Snapshot != nil {
		t.Fatalf("late pull result leaked into view: %+v", v)
	}
	if src.Subscribers() != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestRefreshFailureKeepsPopulatedView(t *testing.T) {
	s := memstore.New()
	putRow(t, s, 1, 0, `{"level_meter":40}`)
	r := newTestReconciler(s)
	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()

	s.SetLatestError(errors.New("db down"))
	if err := r.Refresh(context.Background()); !errors.Is(err, telemetry.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	v := r.View()
	if v.State != StatePopulated || v.Snapshot == nil || v.LastError == "" {
		t.Fatalf("unexpected view %+v", v)
	}

	s.SetLatestError(nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if v := r.View(); v.LastError != "" {
		t.Fatalf("successful refresh must clear the error, got %q", v.LastError)
	}
}

func TestSubscribeSetupFailureStillPulls(t *testing.T) {
	s := memstore.New()
	putRow(t, s, 1, 0, `{"level_meter":40}`)
	s.SetSubscribeError(errors.New("no realtime"))
	r := newTestReconciler(s)

	if err := r.Attach(context.Background()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Detach()
	v := r.View()
	if v.Live || v.State != StatePopulated {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestObserveReceivesCurrentAndUpdates(t *testing.T) {
	s := memstore.New()
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(s, withClock(func() time.Time { return fixed }))

	var (
		mu    sync.Mutex
		views []View
	)
	cancel := r.Observe(func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})

	if !r.Apply(snapAt(1, 0, 10), SourceLive) {
		t.Fatalf("Apply rejected first snapshot")
	}
	cancel()
	cancel()
	r.Apply(snapAt(2, 1, 20), SourceLive)

	mu.Lock()
	defer mu.Unlock()
	if len(views) != 2 {
		t.Fatalf("expected initial + one update, got %d", len(views))
	}
	if views[0].State != StateUninitialized || views[1].Snapshot.ID != 1 {
		t.Fatalf("unexpected views %+v", views)
	}
	if !views[1].UpdatedAt.Equal(fixed) {
		t.Fatalf("updated_at = %v", views[1].UpdatedAt)
	}
}

func TestObserveNilIsNoop(t *testing.T) {
	r := newTestReconciler(memstore.New(), WithInitial(snapAt(1, 0, 10)), WithObserver(nil))
	cancel := r.Observe(nil)
	cancel()
	cancel()
	if !r.Apply(snapAt(2, 1, 20), SourceLive) {
		t.Fatalf("Apply rejected newer snapshot")
	}
	if got := r.View().Snapshot.Values.LevelMeter; got != 20 {
		t.Fatalf("level = %v", got)
	}
}

func TestViewIsACopy(t *testing.T) {
	r := newTestReconciler(memstore.New(), WithInitial(snapAt(1, 0, 10)))
	v := r.View()
	v.Snapshot.Values.LevelMeter = 99
	if r.View().Snapshot.Values.LevelMeter != 10 {
		t.Fatalf("View leaked internal snapshot")
	}
}

func TestConcurrentApplyIsSerialized(t *testing.T) {
	r := newTestReconciler(memstore.New())
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Apply(snapAt(int64(i), i, float64(i)), SourceLive)
		}(i)
	}
	wg.Wait()

	v := r.View()
	if v.Snapshot.ID != 50 {
		t.Fatalf("guard must converge to the newest snapshot, got %d", v.Snapshot.ID)
	}
	if v.Accepted+v.Rejected != 50 {
		t.Fatalf("accepted+rejected = %d", v.Accepted+v.Rejected)
	}
}
