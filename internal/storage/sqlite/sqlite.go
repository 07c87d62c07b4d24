package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pv/tankwatch-go/internal/storage"
)

type Config struct {
	Source       string
	Table        string
	PollInterval time.Duration
	CreateSchema bool
	Pragmas      Pragmas
}

// Pragmas: настройки соединения SQLite.
type Pragmas struct {
	WAL           bool
	BusyTimeoutMS int
}

type Store struct {
	db       *sql.DB
	table    string
	interval time.Duration
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	table := cfg.Table
	if table == "" {
		table = storage.DefaultTable
	}
	if err := storage.ValidIdent(table); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", NormalizeSource(cfg.Source))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Одно соединение: :memory: живёт в рамках соединения, а запись сериализуется.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	store := &Store{db: db, table: table, interval: cfg.PollInterval}
	if err := store.applyPragmas(ctx, cfg.Pragmas); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.CreateSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) applyPragmas(ctx context.Context, p Pragmas) error {
	if p.WAL {
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("sqlite: pragma journal_mode: %w", err)
		}
	}
	if p.BusyTimeoutMS > 0 {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA busy_timeout=%d`, p.BusyTimeoutMS)); err != nil {
			return fmt.Errorf("sqlite: pragma busy_timeout: %w", err)
		}
	}
	return nil
}

// EnsureSchema создаёт таблицу телеметрии и индекс, если их нет.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaSQL, s.table)); err != nil {
		return fmt.Errorf("sqlite: create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(indexSQL, indexName(s.table), s.table)); err != nil {
		return fmt.Errorf("sqlite: create index: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context) (storage.Row, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(latestSQL, s.table))
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Row{}, storage.ErrNoRows
	}
	if err != nil {
		return storage.Row{}, fmt.Errorf("sqlite: latest: %w", err)
	}
	return r, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Row, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(recentSQL, s.table), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent query: %w", err)
	}
	return collectRows(rows, "recent")
}

func (s *Store) Since(ctx context.Context, afterID int64, limit int) ([]storage.Row, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(sinceSQL, s.table), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: since query: %w", err)
	}
	return collectRows(rows, "since")
}

func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(maxIDSQL, s.table)).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: max id: %w", err)
	}
	return id, nil
}

// Subscribe эмулирует уведомления опросом по id.
func (s *Store) Subscribe(ctx context.Context, handler func(storage.Row)) (storage.Subscription, error) {
	sub, err := storage.PollSubscribe(ctx, s, s.interval, handler)
	if err != nil {
		return nil, fmt.Errorf("sqlite: subscribe: %w", err)
	}
	return sub, nil
}

func (s *Store) Insert(ctx context.Context, ts time.Time, values json.RawMessage) (storage.Row, error) {
	formatted := storage.FormatTimestamp(ts)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(insertSQL, s.table), formatted, string(values))
	if err != nil {
		return storage.Row{}, fmt.Errorf("sqlite: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Row{}, fmt.Errorf("sqlite: last insert id: %w", err)
	}
	return storage.Row{ID: id, Timestamp: formatted, Values: append(json.RawMessage(nil), values...)}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (storage.Row, error) {
	var (
		id     int64
		ts     string
		values sql.NullString
	)
	if err := sc.Scan(&id, &ts, &values); err != nil {
		return storage.Row{}, err
	}
	r := storage.Row{ID: id, Timestamp: ts}
	if values.Valid {
		r.Values = json.RawMessage(values.String)
	}
	return r, nil
}

func collectRows(rows *sql.Rows, op string) ([]storage.Row, error) {
	defer rows.Close()
	var out []storage.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s scan: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", op, err)
	}
	return out, nil
}

func indexName(table string) string {
	return strings.ReplaceAll(table, ".", "_") + "_ts_idx"
}

const maxIDSQL = `SELECT COALESCE(MAX(id), 0) FROM %s`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	"values" TEXT
)`

const indexSQL = `CREATE INDEX IF NOT EXISTS %s ON %s (timestamp DESC, id DESC)`

const latestSQL = `
SELECT id, timestamp, "values"
FROM %s
ORDER BY timestamp DESC, id DESC
LIMIT 1`

const recentSQL = `
SELECT id, timestamp, "values"
FROM %s
ORDER BY timestamp DESC, id DESC
LIMIT ?`

const sinceSQL = `
SELECT id, timestamp, "values"
FROM %s
WHERE id > ?
ORDER BY id
LIMIT ?`

const insertSQL = `INSERT INTO %s (timestamp, "values") VALUES (?, ?)`

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
