package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pv/tankwatch-go/internal/bridge"
	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/storage/backend"
	"github.com/pv/tankwatch-go/pkg/config"
)

var version = "dev"

const (
	minRetryDelay = time.Second
	maxRetryDelay = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config with bridge and database sections")
	envFile := flag.String("env-file", ".env", "dotenv file (skipped if missing)")
	dsn := flag.String("db", "", "database DSN, overrides config")
	debug := flag.Bool("debug", false, "log every data change")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("opcua-bridge", version)
		return
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("%v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if cfg.Database.DSN == "" {
		log.Fatalf("opcua-bridge: database DSN is required (--db or %s)", config.EnvDB)
	}
	if cfg.Bridge.Endpoint == "" {
		log.Fatalf("opcua-bridge: bridge.endpoint is required")
	}

	closer, err := configureLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("log file: %v", err)
	}
	defer closer.Close()
	bridge.SetDebugLogging(*debug || cfg.Logging.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg.Database.DSN, backend.Options{
		Table:        cfg.Database.Table,
		Channel:      cfg.Database.Channel,
		PollInterval: cfg.Database.PollInterval,
		CreateSchema: cfg.Database.CreateSchema,
		MaxConns:     cfg.Database.MaxConns,
		SQLiteWAL:    cfg.Database.SQLiteWAL,
	})
	if err != nil {
		log.Fatalf("opcua-bridge: %v", err)
	}
	defer store.Close()

	if err := run(ctx, cfg.Bridge, store); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("opcua-bridge: %v", err)
	}
}

func run(ctx context.Context, cfg bridge.Config, sink storage.Sink) error {
	b, err := bridge.New(cfg, sink, log.Default())
	if err != nil {
		return err
	}
	log.Printf("opcua-bridge: session %s, endpoint %s, %d nodes", b.Session(), cfg.Endpoint, len(cfg.Nodes))
	return runWithRetry(ctx, b.Run, minRetryDelay, maxRetryDelay)
}

// runWithRetry перезапускает fn после ошибки с экспоненциальной задержкой.
// Успешный выход fn (отмена ctx) завершает цикл.
func runWithRetry(ctx context.Context, fn func(context.Context) error, minDelay, maxDelay time.Duration) error {
	delay := minDelay
	for {
		started := time.Now()
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("opcua-bridge: %v, retry in %s", err, delay)

		// Сессия прожила дольше maxDelay: считаем связь восстановленной.
		if time.Since(started) > maxDelay {
			delay = minDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func configureLogging(cfg config.LoggingConfig) (io.Closer, error) {
	if cfg.File == "" {
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	out := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(out)
	return out, nil
}
