package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pv/tankwatch-go/internal/storage"
)

// DefaultChannel: канал NOTIFY, в который триггер публикует вставленные строки.
const DefaultChannel = "opcua_data_insert"

type Config struct {
	ConnString   string
	MaxConns     int32
	Table        string
	Channel      string
	CreateSchema bool
}

// Store читает таблицу телеметрии через database/sql поверх пула pgx,
// а уведомления слушает на выделенном соединении пула.
type Store struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	table   string
	channel string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}
	table, channel, err := names(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	checkTimezone(ctx, pool)

	s := &Store{
		pool:    pool,
		db:      stdlib.OpenDBFromPool(pool),
		table:   table,
		channel: channel,
	}
	if cfg.CreateSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// newWithDB собирает Store без пула: только чтение и запись, без LISTEN.
func newWithDB(db *sql.DB, cfg Config) (*Store, error) {
	table, channel, err := names(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, table: table, channel: channel}, nil
}

func names(cfg Config) (string, string, error) {
	table := cfg.Table
	if table == "" {
		table = storage.DefaultTable
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	if err := storage.ValidIdent(table); err != nil {
		return "", "", fmt.Errorf("postgres: %w", err)
	}
	if err := storage.ValidIdent(channel); err != nil {
		return "", "", fmt.Errorf("postgres: %w", err)
	}
	return table, channel, nil
}

// checkTimezone только предупреждает: timestamptz отдаётся в UTC независимо от зоны сервера.
func checkTimezone(ctx context.Context, pool *pgxpool.Pool) {
	var tz string
	if err := pool.QueryRow(ctx, "SHOW timezone").Scan(&tz); err != nil {
		log.Printf("postgres: failed to check timezone: %v", err)
		return
	}
	if tz != "UTC" && tz != "Etc/UTC" {
		log.Printf("postgres: database timezone is %q, timestamps are converted to UTC", tz)
	}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema создаёт таблицу, индекс и триггер, публикующий каждую вставку в канал NOTIFY.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL(s.table, s.channel)); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
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
		return storage.Row{}, fmt.Errorf("postgres: latest: %w", err)
	}
	return r, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]storage.Row, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(recentSQL, s.table), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent query: %w", err)
	}
	defer rows.Close()
	var out []storage.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: recent scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent rows: %w", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, ts time.Time, values json.RawMessage) (storage.Row, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(insertSQL, s.table), ts.UTC(), string(values))
	r, err := scanRow(row)
	if err != nil {
		return storage.Row{}, fmt.Errorf("postgres: insert: %w", err)
	}
	return r, nil
}

// Subscribe занимает соединение пула под LISTEN и передаёт handler строки из payload уведомлений.
func (s *Store) Subscribe(ctx context.Context, handler func(storage.Row)) (storage.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("postgres: subscribe: handler is nil")
	}
	if s.pool == nil {
		return nil, fmt.Errorf("postgres: subscribe: no connection pool")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: subscribe: acquire: %w", err)
	}
	listen := "LISTEN " + pgx.Identifier{s.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &listener{conn: conn, cancel: cancel, done: make(chan struct{})}
	go sub.loop(loopCtx, s.channel, handler)
	return sub, nil
}

type listener struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *listener) loop(ctx context.Context, channel string, handler func(storage.Row)) {
	defer close(l.done)
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("postgres: listen %s stopped: %v", channel, err)
			}
			return
		}
		row, err := decodeNotification(n.Payload)
		if err != nil {
			log.Printf("postgres: skip notification on %s: %v", channel, err)
			continue
		}
		handler(row)
	}
}

func (l *listener) Close() error {
	var closeErr error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if !l.conn.Conn().IsClosed() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
				closeErr = fmt.Errorf("postgres: unlisten: %w", err)
			}
		}
		l.conn.Release()
	})
	return closeErr
}

// decodeNotification разбирает row_to_json(NEW) из триггера.
func decodeNotification(payload string) (storage.Row, error) {
	var row storage.Row
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return storage.Row{}, fmt.Errorf("decode payload: %w", err)
	}
	if row.ID == 0 {
		return storage.Row{}, fmt.Errorf("decode payload: row id is missing")
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (storage.Row, error) {
	var (
		id     int64
		ts     time.Time
		values sql.NullString
	)
	if err := sc.Scan(&id, &ts, &values); err != nil {
		return storage.Row{}, err
	}
	r := storage.Row{ID: id, Timestamp: ts.UTC().Format(time.RFC3339Nano)}
	if values.Valid {
		r.Values = json.RawMessage(values.String)
	}
	return r, nil
}

const latestSQL = `
SELECT id, "timestamp", "values"::text
FROM %s
ORDER BY "timestamp" DESC, id DESC
LIMIT 1`

const recentSQL = `
SELECT id, "timestamp", "values"::text
FROM %s
ORDER BY "timestamp" DESC, id DESC
LIMIT $1`

const insertSQL = `
INSERT INTO %s ("timestamp", "values")
VALUES ($1, $2::jsonb)
RETURNING id, "timestamp", "values"::text`

func schemaSQL(table, channel string) string {
	fn := strings.ReplaceAll(table, ".", "_") + "_notify"
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	"timestamp" TIMESTAMPTZ NOT NULL DEFAULT now(),
	"values" JSONB
);
CREATE INDEX IF NOT EXISTS %[2]s_ts_idx ON %[1]s ("timestamp" DESC, id DESC);
CREATE OR REPLACE FUNCTION %[2]s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%[3]s', row_to_json(NEW)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS %[2]s ON %[1]s;
CREATE TRIGGER %[2]s AFTER INSERT ON %[1]s FOR EACH ROW EXECUTE FUNCTION %[2]s();
`, table, fn, channel)
}

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
