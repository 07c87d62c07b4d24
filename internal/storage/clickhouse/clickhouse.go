package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/pv/tankwatch-go/internal/storage"
)

type Config struct {
	DSN          string
	Table        string
	PollInterval time.Duration
	CreateSchema bool
}

// Store держит телеметрию в MergeTree-таблице. Автоинкремента в ClickHouse нет,
// поэтому id назначается при вставке как max(id)+1 под мьютексом (один писатель на таблицу).
type Store struct {
	conn     ch.Conn
	table    string
	interval time.Duration

	insertMu sync.Mutex
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("clickhouse: DSN is empty")
	}
	opts, database, err := parseOptions(cfg.DSN)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = storage.DefaultTable
	}
	if err := storage.ValidIdent(table); err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}
	if !strings.Contains(table, ".") {
		table = fmt.Sprintf("%s.%s", database, table)
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	s := &Store{conn: conn, table: table, interval: cfg.PollInterval}
	if cfg.CreateSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return s, nil
}

func parseOptions(dsn string) (*ch.Options, string, error) {
	parsed, err := url.Parse(NormalizeDSN(dsn))
	if err != nil {
		return nil, "", fmt.Errorf("clickhouse: parse DSN: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = "localhost:9000"
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "9000")
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = "default"
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()

	return &ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	}, database, nil
}

func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// EnsureSchema создаёт таблицу архива, если её нет.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf(schemaSQL, s.table)); err != nil {
		return fmt.Errorf("clickhouse: create table: %w", err)
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
	if limit <= 0 {
		limit = 1
	}
	return s.query(ctx, "recent", fmt.Sprintf(recentSQL, s.table), ch.Named("limit", limit))
}

func (s *Store) Since(ctx context.Context, afterID int64, limit int) ([]storage.Row, error) {
	return s.query(ctx, "since", fmt.Sprintf(sinceSQL, s.table),
		ch.Named("after", uint64(afterID)), ch.Named("limit", limit))
}

func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id uint64
	if err := s.conn.QueryRow(ctx, fmt.Sprintf(maxIDSQL, s.table)).Scan(&id); err != nil {
		return 0, fmt.Errorf("clickhouse: max id: %w", err)
	}
	return int64(id), nil
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]storage.Row, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %s query: %w", op, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		var (
			id     uint64
			ts     time.Time
			values string
		)
		if err := rows.Scan(&id, &ts, &values); err != nil {
			return nil, fmt.Errorf("clickhouse: %s scan: %w", op, err)
		}
		r := storage.Row{ID: int64(id), Timestamp: ts.UTC().Format(time.RFC3339Nano)}
		if values != "" {
			r.Values = json.RawMessage(values)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clickhouse: %s rows: %w", op, err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, ts time.Time, values json.RawMessage) (storage.Row, error) {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	maxID, err := s.MaxID(ctx)
	if err != nil {
		return storage.Row{}, err
	}
	id := uint64(maxID) + 1

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (id, timestamp, values_json)", s.table))
	if err != nil {
		return storage.Row{}, fmt.Errorf("clickhouse: prepare insert: %w", err)
	}
	if err := batch.Append(id, ts.UTC(), string(values)); err != nil {
		return storage.Row{}, fmt.Errorf("clickhouse: append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return storage.Row{}, fmt.Errorf("clickhouse: send insert: %w", err)
	}
	return storage.Row{
		ID:        int64(id),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Values:    append(json.RawMessage(nil), values...),
	}, nil
}

func (s *Store) Subscribe(ctx context.Context, handler func(storage.Row)) (storage.Subscription, error) {
	sub, err := storage.PollSubscribe(ctx, s, s.interval, handler)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: subscribe: %w", err)
	}
	return sub, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS %s (
    id UInt64,
    timestamp DateTime64(6, 'UTC'),
    values_json String
) ENGINE = MergeTree
ORDER BY (timestamp, id)
`

const recentSQL = `
SELECT id, timestamp, values_json
FROM %s
ORDER BY timestamp DESC, id DESC
LIMIT @limit
`

const sinceSQL = `
SELECT id, timestamp, values_json
FROM %s
WHERE id > @after
ORDER BY id
LIMIT @limit
`

const maxIDSQL = `SELECT COALESCE(max(id), 0) FROM %s`

func IsSource(dsn string) bool {
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "clickhouse://") || strings.HasPrefix(lower, "ch://")
}

// NormalizeDSN приводит короткую схему ch:// к clickhouse://.
func NormalizeDSN(dsn string) string {
	if strings.HasPrefix(strings.ToLower(dsn), "ch://") {
		return "clickhouse://" + dsn[len("ch://"):]
	}
	return dsn
}
