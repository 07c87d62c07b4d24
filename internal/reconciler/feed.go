package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// DefaultFetchTimeout ограничивает один запрос последнего снимка.
const DefaultFetchTimeout = 10 * time.Second

// Unsubscribe освобождает подписку. Повторный вызов ничего не делает.
type Unsubscribe func()

// Feed: доступ к телеметрии поверх storage.Source: выборка и подписка с декодированием.
type Feed struct {
	source  storage.Source
	timeout time.Duration
	logger  *log.Logger
	metrics Metrics
}

type FeedOption func(*Feed)

// WithFetchTimeout задаёт таймаут FetchLatest (<=0 отключает).
func WithFetchTimeout(d time.Duration) FeedOption {
	return func(f *Feed) { f.timeout = d }
}

func WithFeedLogger(l *log.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithFeedMetrics(m Metrics) FeedOption {
	return func(f *Feed) {
		if m != nil {
			f.metrics = m
		}
	}
}

func NewFeed(source storage.Source, opts ...FeedOption) *Feed {
	f := &Feed{
		source:  source,
		timeout: DefaultFetchTimeout,
		logger:  log.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchLatest возвращает самый новый снимок. Ошибки относятся к одному из классов
// telemetry.ErrNotFound, telemetry.ErrTransport, telemetry.ErrSchema.
func (f *Feed) FetchLatest(ctx context.Context) (telemetry.Snapshot, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	row, err := f.source.Latest(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			f.metrics.FetchFailed("not_found")
			return telemetry.Snapshot{}, fmt.Errorf("reconciler: fetch latest: %w", telemetry.ErrNotFound)
		}
		f.metrics.FetchFailed("transport")
		return telemetry.Snapshot{}, fmt.Errorf("reconciler: fetch latest: %w: %w", telemetry.ErrTransport, err)
	}
	snap, err := telemetry.Decode(row.ID, row.Timestamp, row.Values)
	if err != nil {
		f.metrics.FetchFailed("schema")
		return telemetry.Snapshot{}, fmt.Errorf("reconciler: fetch latest: %w", err)
	}
	return snap, nil
}

// Open подписывается на вставки. Битые строки логируются и пропускаются.
// При ошибке установки возвращается пустой Unsubscribe и ошибка класса ErrSubscriptionSetup.
func (f *Feed) Open(ctx context.Context, onSnapshot func(telemetry.Snapshot)) (Unsubscribe, error) {
	sub, err := f.source.Subscribe(ctx, func(row storage.Row) {
		snap, err := telemetry.Decode(row.ID, row.Timestamp, row.Values)
		if err != nil {
			f.metrics.SnapshotRejected(RejectMalformed)
			f.logger.Printf("reconciler: skip malformed row: %v", err)
			return
		}
		onSnapshot(snap)
	})
	if err != nil {
		return func() {}, fmt.Errorf("reconciler: subscribe: %w: %w", telemetry.ErrSubscriptionSetup, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				f.logger.Printf("reconciler: unsubscribe: %v", err)
			}
		})
	}, nil
}

// Subscribe: Open, где ошибка установки только логируется.
func (f *Feed) Subscribe(ctx context.Context, onSnapshot func(telemetry.Snapshot)) Unsubscribe {
	unsub, err := f.Open(ctx, onSnapshot)
	if err != nil {
		f.logger.Printf("%v", err)
	}
	return unsub
}

// ProbeResult: итог прямой диагностической выборки из хранилища.
type ProbeResult struct {
	Rows    int    `json:"rows"`
	FirstID *int64 `json:"first_id,omitempty"`
}

// Probe читает до limit последних строк без декодирования.
func (f *Feed) Probe(ctx context.Context, limit int) (ProbeResult, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	rows, err := f.source.Recent(ctx, limit)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("reconciler: probe: %w: %w", telemetry.ErrTransport, err)
	}
	res := ProbeResult{Rows: len(rows)}
	if len(rows) > 0 {
		id := rows[0].ID
		res.FirstID = &id
	}
	return res, nil
}
