package api

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.SnapshotAccepted(reconciler.SourceLive)
	m.SnapshotAccepted(reconciler.SourceLive)
	m.SnapshotRejected(reconciler.RejectStale)
	m.FetchFailed("transport")

	if got := testutil.ToFloat64(m.accepted.WithLabelValues("live")); got != 2 {
		t.Fatalf("expected accepted{live} 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("stale")); got != 1 {
		t.Fatalf("expected rejected{stale} 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.fetchFail.WithLabelValues("transport")); got != 1 {
		t.Fatalf("expected fetch failures 1, got %f", got)
	}
}

func TestMetricsObserveView(t *testing.T) {
	m := NewMetrics()

	m.ObserveView(reconciler.View{State: reconciler.StateErrored})
	if got := testutil.CollectAndCount(m.status); got != 0 {
		t.Fatalf("view without snapshot must not touch status, got %d series", got)
	}

	snap := telemetry.Snapshot{
		ID:        1,
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Values:    telemetry.Values{LevelMeter: 93, FlowMeter: 4.5, Setpoint: 60},
	}
	m.ObserveView(reconciler.View{Snapshot: &snap, TankStatus: snap.Status()})

	if got := testutil.ToFloat64(m.level); got != 93 {
		t.Fatalf("level = %f", got)
	}
	if got := testutil.ToFloat64(m.flow); got != 4.5 {
		t.Fatalf("flow = %f", got)
	}
	if got := testutil.ToFloat64(m.status.WithLabelValues("High")); got != 1 {
		t.Fatalf("status{High} = %f", got)
	}
	if got := testutil.ToFloat64(m.status.WithLabelValues("Normal")); got != 0 {
		t.Fatalf("status{Normal} = %f", got)
	}
}
