package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pv/tankwatch-go/internal/bridge"
	"github.com/pv/tankwatch-go/internal/storage/memstore"
)

func TestRunWithRetryRestartsAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	err := runWithRetry(ctx, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		cancel()
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRunWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runWithRetry(ctx, func(context.Context) error {
			return errors.New("down")
		}, time.Hour, time.Hour)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("retry loop did not stop")
	}
}

func TestRunRejectsInvalidBridgeConfig(t *testing.T) {
	err := run(context.Background(), bridge.Config{Endpoint: "opc.tcp://localhost:4840"}, memstore.New())
	if err == nil {
		t.Fatalf("expected error for config without nodes")
	}
}
