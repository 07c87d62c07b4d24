package telemetry

import "errors"

// Классы ошибок получения телеметрии. Проверяются через errors.Is.
var (
	// ErrNotFound: в таблице нет ни одной строки.
	ErrNotFound = errors.New("telemetry: no data found")
	// ErrTransport: хранилище недоступно, запрос не выполнен или истёк таймаут.
	ErrTransport = errors.New("telemetry: transport error")
	// ErrSchema: строка не соответствует ожидаемой форме.
	ErrSchema = errors.New("telemetry: unexpected payload schema")
	// ErrSubscriptionSetup: не удалось открыть канал уведомлений.
	ErrSubscriptionSetup = errors.New("telemetry: subscription setup failed")
)
