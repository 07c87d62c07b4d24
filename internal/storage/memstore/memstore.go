package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Source: DSN in-memory хранилища.
const Source = "mem://"

// IsSource проверяет, что DSN указывает на in-memory хранилище.
func IsSource(dsn string) bool {
	return dsn == "mem" || dsn == Source
}

// Store хранит строки в памяти и уведомляет подписчиков синхронно при вставке.
// Используется в демо-режиме и в тестах.
type Store struct {
	mu       sync.Mutex
	deliver  sync.Mutex
	rows     []storage.Row
	nextID   int64
	subs     map[int]func(storage.Row)
	nextSub  int
	closed   bool
	latestEr error
	subErr   error
}

func New() *Store {
	return &Store{nextID: 1, subs: make(map[int]func(storage.Row))}
}

func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[int]func(storage.Row))
	s.mu.Unlock()
}

// SetLatestError заставляет Latest и Recent возвращать err (nil снимает ошибку).
func (s *Store) SetLatestError(err error) {
	s.mu.Lock()
	s.latestEr = err
	s.mu.Unlock()
}

// SetSubscribeError заставляет Subscribe возвращать err (nil снимает ошибку).
func (s *Store) SetSubscribeError(err error) {
	s.mu.Lock()
	s.subErr = err
	s.mu.Unlock()
}

func (s *Store) Insert(ctx context.Context, ts time.Time, values json.RawMessage) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return storage.Row{}, err
	}
	s.mu.Lock()
	row := storage.Row{
		ID:        s.nextID,
		Timestamp: storage.FormatTimestamp(ts),
		Values:    append(json.RawMessage(nil), values...),
	}
	s.nextID++
	s.mu.Unlock()
	return row, s.Put(row)
}

// Put добавляет строку как есть, с её id и timestamp, и уведомляет подписчиков.
// Позволяет воспроизвести неупорядоченную доставку и битые строки.
func (s *Store) Put(row storage.Row) error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("memstore: store is closed")
	}
	if row.ID >= s.nextID {
		s.nextID = row.ID + 1
	}
	s.rows = append(s.rows, row)
	handlers := make([]func(storage.Row), 0, len(s.subs))
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		handlers = append(handlers, s.subs[k])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(row)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context) (storage.Row, error) {
	rows, err := s.Recent(ctx, 1)
	if err != nil {
		return storage.Row{}, err
	}
	if len(rows) == 0 {
		return storage.Row{}, storage.ErrNoRows
	}
	return rows[0], nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestEr != nil {
		return nil, s.latestEr
	}
	sorted := append([]storage.Row(nil), s.rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, _ := telemetry.ParseTimestamp(sorted[i].Timestamp)
		tj, _ := telemetry.ParseTimestamp(sorted[j].Timestamp)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (s *Store) Since(ctx context.Context, afterID int64, limit int) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Row
	for _, r := range s.rows {
		if r.ID > afterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MaxID возвращает наибольший id среди строк или 0.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestEr != nil {
		return 0, s.latestEr
	}
	var id int64
	for _, r := range s.rows {
		if r.ID > id {
			id = r.ID
		}
	}
	return id, nil
}

func (s *Store) Subscribe(ctx context.Context, handler func(storage.Row)) (storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("memstore: handler is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	if s.closed {
		return nil, fmt.Errorf("memstore: store is closed")
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = handler
	return &subscription{store: s, id: id}, nil
}

// Subscribers возвращает число активных подписок.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type subscription struct {
	store *Store
	id    int
	once  sync.Once
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.mu.Unlock()
	})
	return nil
}
