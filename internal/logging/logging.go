// logging.go — structured logging backing the relay's get_logs/set_log_level
// diagnostics. Wraps rs/zerolog for the on-disk/stderr stream and keeps a
// bounded in-memory ring of the same records for the get_logs tool, since
// zerolog itself has no query surface. Ring/eviction discipline is grounded
// on internal/audit's bounded FIFO buffer, generalized from audit entries to
// log records.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one structured log record (spec.md §4.8).
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger is a bounded-memory structured logger. The zero value is not
// usable; construct with New.
type Logger struct {
	mu        sync.RWMutex
	ring      []Entry
	maxSize   int
	level     zerolog.Level
	zl        zerolog.Logger
	debugMode bool
}

// Options configures a new Logger.
type Options struct {
	// Writer is the sink for the zerolog stream (os.Stderr, a rotated
	// file, or a multi-writer). Defaults to os.Stderr.
	Writer io.Writer
	// Level is the initial minimum level; defaults to info.
	Level string
	// RingSize bounds the in-memory buffer backing get_logs.
	RingSize int
}

const defaultRingSize = 2000

// New constructs a Logger per opts.
func New(opts Options) *Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}

	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return &Logger{
		ring:    make([]Entry, 0, ringSize),
		maxSize: ringSize,
		level:   lvl,
		zl:      zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
	}
}

// SetLevel changes the minimum logged level at runtime (set_log_level).
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
	l.zl = l.zl.Level(lvl)
	return nil
}

// SetDebugMode toggles debug_mode (enable_debug_mode/disable_debug_mode):
// debug mode forces the effective level to debug regardless of SetLevel,
// without discarding the configured level for when it's turned back off.
func (l *Logger) SetDebugMode(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugMode = enabled
	if enabled {
		l.zl = l.zl.Level(zerolog.DebugLevel)
	} else {
		l.zl = l.zl.Level(l.level)
	}
}

// Log records one entry to both the zerolog stream and the ring buffer.
func (l *Logger) Log(level, component, message string, data map[string]any) {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: component,
		Message:   message,
		Data:      data,
	}

	zlvl, err := zerolog.ParseLevel(level)
	if err != nil {
		zlvl = zerolog.InfoLevel
	}

	l.mu.Lock()
	if len(l.ring) >= l.maxSize {
		l.ring = l.ring[1:]
	}
	l.ring = append(l.ring, entry)
	ev := l.zl.WithLevel(zlvl)
	l.mu.Unlock()

	event := ev.Str("component", component)
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

// Snapshot returns a copy of the current ring buffer, most-recent last.
func (l *Logger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	return out
}

// Size returns the current number of buffered entries.
func (l *Logger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ring)
}

// MarshalEntries is a convenience for handlers returning get_logs results.
func MarshalEntries(entries []Entry) (json.RawMessage, error) {
	return json.Marshal(entries)
}
