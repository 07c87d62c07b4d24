// Package backend выбирает реализацию хранилища по префиксу DSN.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/storage/clickhouse"
	"github.com/pv/tankwatch-go/internal/storage/influxdb"
	"github.com/pv/tankwatch-go/internal/storage/memstore"
	"github.com/pv/tankwatch-go/internal/storage/postgres"
	"github.com/pv/tankwatch-go/internal/storage/sqlite"
)

type Options struct {
	Table        string
	Channel      string
	PollInterval time.Duration
	CreateSchema bool
	MaxConns     int32
	SQLiteWAL    bool
}

// Kind возвращает имя бэкенда для DSN или пустую строку.
func Kind(dsn string) string {
	switch {
	case memstore.IsSource(dsn):
		return "memory"
	case postgres.IsPostgresURL(dsn):
		return "postgres"
	case clickhouse.IsSource(dsn):
		return "clickhouse"
	case influxdb.IsSource(dsn):
		return "influxdb"
	case sqlite.IsSource(dsn):
		return "sqlite"
	default:
		return ""
	}
}

// Open подключается к хранилищу, указанному в dsn.
func Open(ctx context.Context, dsn string, opts Options) (storage.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("backend: database DSN is empty")
	}
	switch Kind(dsn) {
	case "memory":
		return memstore.New(), nil
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			ConnString:   dsn,
			MaxConns:     opts.MaxConns,
			Table:        opts.Table,
			Channel:      opts.Channel,
			CreateSchema: opts.CreateSchema,
		})
	case "clickhouse":
		return clickhouse.New(ctx, clickhouse.Config{
			DSN:          dsn,
			Table:        opts.Table,
			PollInterval: opts.PollInterval,
			CreateSchema: opts.CreateSchema,
		})
	case "influxdb":
		return influxdb.New(ctx, influxdb.Config{
			DSN:          dsn,
			Measurement:  opts.Table,
			PollInterval: opts.PollInterval,
		})
	case "sqlite":
		return sqlite.New(ctx, sqlite.Config{
			Source:       dsn,
			Table:        opts.Table,
			PollInterval: opts.PollInterval,
			CreateSchema: opts.CreateSchema,
			Pragmas:      sqlite.Pragmas{WAL: opts.SQLiteWAL, BusyTimeoutMS: 5000},
		})
	default:
		return nil, fmt.Errorf("backend: unsupported database DSN %q", storage.RedactDSN(dsn))
	}
}
