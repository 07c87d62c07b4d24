package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	DefaultPollInterval = time.Second
	pollBatch           = 256
)

// Poller: хранилище без push-уведомлений, у которого можно спросить строки новее id.
type Poller interface {
	// MaxID возвращает наибольший id в таблице или 0 для пустой.
	MaxID(ctx context.Context) (int64, error)
	// Since возвращает строки с id > afterID по возрастанию id.
	Since(ctx context.Context, afterID int64, limit int) ([]Row, error)
}

// PollSubscribe эмулирует подписку опросом: запоминает текущий максимальный id
// и с периодом interval выдаёт handler все новые строки.
// Ошибки опроса логируются, цикл продолжается. Close нельзя вызывать из handler.
func PollSubscribe(ctx context.Context, p Poller, interval time.Duration, handler func(Row)) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("storage: poll subscribe: handler is nil")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// Отсчёт от максимального id, а не от последней по времени строки: строка,
	// записанная задним числом, иначе пришла бы как новая вставка.
	lastID, err := p.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: poll subscribe: baseline: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &pollSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
			for {
				rows, err := p.Since(loopCtx, lastID, pollBatch)
				if err != nil {
					if loopCtx.Err() == nil {
						log.Printf("storage: poll since %d: %v", lastID, err)
					}
					break
				}
				for _, r := range rows {
					if loopCtx.Err() != nil {
						return
					}
					if r.ID > lastID {
						lastID = r.ID
					}
					handler(r)
				}
				if len(rows) < pollBatch {
					break
				}
			}
		}
	}()

	return sub, nil
}

type pollSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
