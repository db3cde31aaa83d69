// Package logging sets up the client's slog logger and keeps a trail of recent records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of records kept by the trail.
const DefaultCapacity = 500

// Entry represents a single structured log record.
type Entry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"msg"`
	Attrs   string     `json:"attrs,omitempty"`
}

func (e Entry) String() string {
	s := e.Time.Format("15:04:05") + " " + e.Level.String() + " " + e.Message
	if e.Attrs != "" {
		s += " " + e.Attrs
	}
	return s
}

// Buffer keeps the most recent log entries, dropping the oldest once full.
type Buffer struct {
	mu    sync.RWMutex
	ring  []Entry
	added int
}

// NewBuffer allocates a buffer holding up to capacity entries.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{ring: make([]Entry, max(capacity, 1))}
}

// Add stores an entry.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	b.ring[b.added%len(b.ring)] = entry
	b.added++
	b.mu.Unlock()
}

// Recent returns the last n entries in chronological order.
func (b *Buffer) Recent(n int) []Entry {
	return b.RecentAtLeast(slog.Level(math.MinInt), n)
}

// RecentAtLeast returns up to n of the most recent entries at or above level,
// in chronological order. It walks back from the newest entry.
func (b *Buffer) RecentAtLeast(level slog.Level, n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	held := min(b.added, len(b.ring))
	n = min(n, held)
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	k := n
	for i := 1; i <= held && k > 0; i++ {
		if e := b.ring[(b.added-i)%len(b.ring)]; e.Level >= level {
			k--
			out[k] = e
		}
	}
	if k == n {
		return nil
	}
	return out[k:]
}

// TeeHandler wraps an slog.Handler and copies every record to a Buffer.
type TeeHandler struct {
	inner slog.Handler
	buf   *Buffer
	attrs string
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that tees records to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *Buffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds an Entry to the buffer and delegates to inner.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, "%s=%v ", a.Key, a.Value.Any())
		return true
	})

	h.buf.Add(Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   strings.TrimSpace(sb.String()),
	})

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new TeeHandler whose inner handler has the given attrs.
// The attrs are also kept on buffered entries.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&sb, "%s=%v ", a.Key, a.Value.Any())
	}
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf, attrs: sb.String()}
}

// WithGroup returns a new TeeHandler whose inner handler uses the given group.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf, attrs: h.attrs}
}

// ParseLevel maps a LOG_LEVEL value to a level. Unknown values mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger writing to w at level, teed into a new trail buffer.
// Pass a *slog.LevelVar to change the level after construction.
func New(w io.Writer, level slog.Leveler) (*slog.Logger, *Buffer) {
	buf := NewBuffer(DefaultCapacity)
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewTeeHandler(inner, buf)), buf
}
