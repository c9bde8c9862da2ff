package logger

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Ring is a fixed-capacity buffer of recent log entries. Oldest entries are
// overwritten once capacity is reached.
type Ring struct {
	mu     sync.RWMutex
	buf    []Entry
	next   int
	filled bool
	notify func(Entry)
}

// NewRing creates a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// SetNotify registers a callback invoked for every appended entry. The
// callback must not block; the daemon uses it to feed the event bus.
func (r *Ring) SetNotify(fn func(Entry)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Ring) append(e Entry) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(e)
	}
}

// Entries returns up to limit entries, newest last, optionally filtered by
// minimum level and a substring of the message.
func (r *Ring) Entries(limit int, minLevel string, contains string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []Entry
	if r.filled {
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append(ordered, r.buf[:r.next]...)
	}

	min := levelRank(minLevel)
	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if levelRank(e.Level) < min {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(contains)) {
			continue
		}
		out = append(out, e)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filled {
		return len(r.buf)
	}
	return r.next
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	case "fatal", "panic", "dpanic":
		return 4
	default:
		return 0
	}
}

// Core returns a zapcore.Core that appends entries to the ring.
func (r *Ring) Core(enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: level, enc: enc, ring: r}
}

type ringCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	ring *Ring
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &ringCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), ring: c.ring}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	mapEnc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(mapEnc)
	}
	var fm map[string]interface{}
	if len(mapEnc.Fields) > 0 {
		fm = mapEnc.Fields
	}
	c.ring.append(Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Message: ent.Message,
		Fields:  fm,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }
