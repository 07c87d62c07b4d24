package reconciler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pv/tankwatch-go/internal/telemetry"
)

// DataSource показывает, откуда пришёл текущий снимок.
type DataSource string

const (
	SourceNone    DataSource = "none"
	SourceInitial DataSource = "initial"
	SourceLive    DataSource = "live"
)

// State: состояние жизненного цикла подключения.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePopulated     State = "populated"
	StateErrored       State = "errored"
	StateTerminated    State = "terminated"
)

var (
	ErrDetached        = errors.New("reconciler: detached")
	ErrAlreadyAttached = errors.New("reconciler: already attached")
)

// View: текущее состояние для отображения. Возвращается копией.
type View struct {
	State      State                `json:"state"`
	DataSource DataSource           `json:"data_source"`
	Snapshot   *telemetry.Snapshot  `json:"snapshot,omitempty"`
	TankStatus telemetry.TankStatus `json:"tank_status,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	Live       bool                 `json:"live"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Accepted   int64                `json:"accepted"`
	Rejected   int64                `json:"rejected"`
}

func (v View) clone() View {
	if v.Snapshot != nil {
		s := *v.Snapshot
		v.Snapshot = &s
	}
	return v
}

// observer получает только версии новее уже доставленной, поэтому при гонке
// двух доставок устаревшее состояние отбрасывается.
type observer struct {
	id   int
	fn   func(View)
	mu   sync.Mutex
	last uint64
}

func (o *observer) send(version uint64, v View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if version <= o.last {
		return
	}
	o.last = version
	o.fn(v)
}

// Reconciler хранит текущий снимок одного подключения. Все обновления идут через Apply
// под мьютексом; наблюдатели вызываются вне мьютекса.
// Наблюдатель не должен синхронно вызывать Apply, Refresh или Detach.
type Reconciler struct {
	feed    *Feed
	policy  Policy
	logger  *log.Logger
	metrics Metrics
	now     func() time.Time

	mu        sync.Mutex
	view      View
	current   *telemetry.Snapshot
	version   uint64
	observers []*observer
	nextObs   int
	attached  bool
	cancel    context.CancelFunc
	unsub     Unsubscribe

	detachOnce sync.Once
}

type Option func(*Reconciler)

// WithInitial задаёт снимок, полученный вызывающей стороной заранее; Attach тогда не делает выборку.
func WithInitial(s telemetry.Snapshot) Option {
	return func(r *Reconciler) {
		snap := s
		r.current = &snap
		r.view.State = StatePopulated
		r.view.DataSource = SourceInitial
		r.view.TankStatus = snap.Status()
		r.view.Snapshot = &snap
	}
}

func WithPolicy(p Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithObserver регистрирует наблюдателя до Attach.
func WithObserver(fn func(View)) Option {
	return func(r *Reconciler) {
		if fn == nil {
			return
		}
		r.observers = append(r.observers, &observer{id: r.nextObs, fn: fn})
		r.nextObs++
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(feed *Feed, opts ...Option) *Reconciler {
	r := &Reconciler{
		feed:    feed,
		policy:  PolicyGuard,
		logger:  log.Default(),
		metrics: noopMetrics{},
		now:     time.Now,
		version: 1,
		view: View{
			State:      StateUninitialized,
			DataSource: SourceNone,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.current != nil {
		r.view.UpdatedAt = r.now()
	}
	return r
}

// Attach открывает подписку, затем, если начального снимка нет, делает выборку.
// Ошибка выборки возвращается, но подписка остаётся открытой.
func (r *Reconciler) Attach(ctx context.Context) error {
	r.mu.Lock()
	if r.view.State == StateTerminated {
		r.mu.Unlock()
		return ErrDetached
	}
	if r.attached {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	r.attached = true
	attachCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	hasInitial := r.current != nil
	r.mu.Unlock()

	unsub, err := r.feed.Open(attachCtx, func(s telemetry.Snapshot) {
		r.Apply(s, SourceLive)
	})
	if err != nil {
		r.logger.Printf("%v", err)
	}

	r.mu.Lock()
	if r.view.State == StateTerminated {
		// Detach успел раньше: подписка никому не нужна.
		r.mu.Unlock()
		unsub()
		return ErrDetached
	}
	r.unsub = unsub
	r.view.Live = err == nil
	version, view, observers := r.changedLocked()
	r.mu.Unlock()
	deliver(version, view, observers)

	if hasInitial {
		return nil
	}
	return r.Refresh(attachCtx)
}

// Refresh запрашивает последний снимок и пропускает его через Apply.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	terminated := r.view.State == StateTerminated
	r.mu.Unlock()
	if terminated {
		return ErrDetached
	}

	snap, err := r.feed.FetchLatest(ctx)
	if err != nil {
		r.fail(err)
		return err
	}
	r.Apply(snap, SourceInitial)
	return nil
}

// Apply: единственная точка обновления. Возвращает true, если снимок принят.
func (r *Reconciler) Apply(s telemetry.Snapshot, source DataSource) bool {
	r.mu.Lock()
	if r.view.State == StateTerminated {
		r.mu.Unlock()
		return false
	}
	next, ok := Reconcile(r.current, s, r.policy)
	if !ok {
		r.view.Rejected++
		r.mu.Unlock()
		r.metrics.SnapshotRejected(RejectStale)
		logDebugf(r.logger, "reconciler: reject stale snapshot id=%d ts=%s", s.ID, s.Timestamp.Format(time.RFC3339Nano))
		return false
	}

	r.current = &next
	snap := next
	r.view.Snapshot = &snap
	r.view.State = StatePopulated
	r.view.DataSource = source
	r.view.TankStatus = next.Status()
	r.view.UpdatedAt = r.now()
	r.view.Accepted++
	if source == SourceInitial {
		r.view.LastError = ""
	}
	version, view, observers := r.changedLocked()
	r.mu.Unlock()

	r.metrics.SnapshotAccepted(source)
	deliver(version, view, observers)
	return true
}

func (r *Reconciler) fail(err error) {
	r.mu.Lock()
	if r.view.State == StateTerminated {
		r.mu.Unlock()
		return
	}
	if r.view.State == StateUninitialized {
		r.view.State = StateErrored
	}
	r.view.LastError = err.Error()
	r.view.UpdatedAt = r.now()
	version, view, observers := r.changedLocked()
	r.mu.Unlock()

	r.logger.Printf("reconciler: %v", err)
	deliver(version, view, observers)
}

// View возвращает копию текущего состояния.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.clone()
}

// Observe регистрирует наблюдателя и сразу передаёт ему текущее состояние.
// Возвращённая функция снимает регистрацию.
func (r *Reconciler) Observe(fn func(View)) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	o := &observer{id: id, fn: fn}
	r.observers = append(r.observers, o)
	version, view := r.version, r.view.clone()
	r.mu.Unlock()
	o.send(version, view)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, o := range r.observers {
				if o.id == id {
					r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
					break
				}
			}
		})
	}
}

// Detach освобождает подписку и переводит подключение в Terminated.
// Безопасен при выборке в полёте: её результат будет отброшен.
func (r *Reconciler) Detach() {
	r.detachOnce.Do(func() {
		r.mu.Lock()
		r.view.State = StateTerminated
		r.view.Live = false
		r.view.UpdatedAt = r.now()
		cancel, unsub := r.cancel, r.unsub
		r.unsub = nil
		version, view, observers := r.changedLocked()
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if unsub != nil {
			unsub()
		}
		deliver(version, view, observers)
	})
}

// changedLocked фиксирует новую версию состояния и список наблюдателей для доставки.
func (r *Reconciler) changedLocked() (uint64, View, []*observer) {
	r.version++
	observers := make([]*observer, len(r.observers))
	copy(observers, r.observers)
	return r.version, r.view.clone(), observers
}

func deliver(version uint64, view View, observers []*observer) {
	for _, o := range observers {
		o.send(version, view.clone())
	}
}
