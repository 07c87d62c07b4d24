package bridge

import (
	"log"
	"sync/atomic"
)

var debugLogging atomic.Bool

// SetDebugLogging включает лог каждой записанной строки.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func logDebugf(l *log.Logger, format string, args ...any) {
	if debugLogging.Load() {
		l.Printf(format, args...)
	}
}
