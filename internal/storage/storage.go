package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultTable: таблица телеметрии, в которую пишет шлюз OPC UA.
const DefaultTable = "opcua_data"

// ErrNoRows возвращается Latest, если таблица пуста.
var ErrNoRows = errors.New("storage: no rows")

// Row: строка таблицы телеметрии в том виде, в каком её отдаёт хранилище или канал уведомлений.
// Timestamp хранится строкой, разбор выполняет telemetry.Decode.
type Row struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"timestamp"`
	Values    json.RawMessage `json:"values"`
}

// Subscription: открытая подписка на вставки. Close идемпотентен.
type Subscription interface {
	Close() error
}

// Source: чтение телеметрии.
type Source interface {
	// Latest возвращает строку с максимальным (timestamp, id) или ErrNoRows.
	Latest(ctx context.Context) (Row, error)
	// Recent возвращает до limit последних строк, новые первыми.
	Recent(ctx context.Context, limit int) ([]Row, error)
	// Subscribe вызывает handler для каждой новой строки в порядке поступления.
	// ctx ограничивает только установку подписки, поток живёт до Close.
	Subscribe(ctx context.Context, handler func(Row)) (Subscription, error)
}

// Sink: запись телеметрии.
type Sink interface {
	Insert(ctx context.Context, ts time.Time, values json.RawMessage) (Row, error)
}

// Store: хранилище с чтением, записью и подпиской.
type Store interface {
	Source
	Sink
	Close()
}

// FormatTimestamp: единый текстовый формат времени для хранилищ без собственного типа.
// Фиксированная ширина сохраняет лексикографический порядок.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdent проверяет имя таблицы или канала перед подстановкой в SQL.
func ValidIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("storage: invalid identifier %q", name)
	}
	return nil
}

// RedactDSN скрывает пароль в строке подключения для логов.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return u.Redacted()
		}
		return dsn
	}
	// key=value формат pgx: password=... заменяем целиком.
	if strings.Contains(dsn, "password=") {
		parts := strings.Fields(dsn)
		for i, p := range parts {
			if strings.HasPrefix(p, "password=") {
				parts[i] = "password=xxxxx"
			}
		}
		return strings.Join(parts, " ")
	}
	return dsn
}
