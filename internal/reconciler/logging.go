package reconciler

import (
	"log"
	"sync/atomic"
)

var debugLogging atomic.Bool

// SetDebugLogging включает подробные логи сверки (отклонённые снимки и т.п.).
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func logDebugf(l *log.Logger, format string, args ...any) {
	if debugLogging.Load() {
		l.Printf(format, args...)
	}
}
