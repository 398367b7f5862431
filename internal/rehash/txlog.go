package rehash

import (
	"sync"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/atomic"
)

// TransactionLogger records writes applied locally while state is being
// pushed, so they can be forwarded to new owners once the push is done.
type TransactionLogger struct {
	enabled atomic.Bool
	mu      sync.Mutex
	records []model.WriteRecord
}

// NewTransactionLogger creates a disabled logger
func NewTransactionLogger() *TransactionLogger {
	return &TransactionLogger{}
}

// Enable starts recording
func (l *TransactionLogger) Enable() {
	l.enabled.Store(true)
}

// Disable stops recording and discards anything not drained
func (l *TransactionLogger) Disable() {
	l.enabled.Store(false)
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}

// IsEnabled reports whether writes are being recorded
func (l *TransactionLogger) IsEnabled() bool {
	return l.enabled.Load()
}

// Log appends a record while enabled
func (l *TransactionLogger) Log(rec model.WriteRecord) {
	if !l.enabled.Load() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Drain returns the records logged so far, in order, and empties the log
func (l *TransactionLogger) Drain() []model.WriteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.records
	l.records = nil
	return out
}

// Size returns the number of pending records
func (l *TransactionLogger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
