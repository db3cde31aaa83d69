package logging

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAddAndRecent(t *testing.T) {
	b := NewBuffer(5)

	assert.Nil(t, b.Recent(10))

	for i := 0; i < 3; i++ {
		b.Add(Entry{Time: time.Now(), Level: slog.LevelInfo, Message: "msg"})
	}
	assert.Len(t, b.Recent(10), 3)
}

func TestBufferRingOverflow(t *testing.T) {
	b := NewBuffer(3)

	for i := 0; i < 5; i++ {
		b.Add(Entry{Message: string(rune('a' + i))})
	}

	entries := b.Recent(10)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "d", entries[1].Message)
	assert.Equal(t, "e", entries[2].Message)
}

func TestBufferRecentOrder(t *testing.T) {
	b := NewBuffer(10)
	b.Add(Entry{Message: "first"})
	b.Add(Entry{Message: "second"})
	b.Add(Entry{Message: "third"})

	entries := b.Recent(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestBufferRecentAtLeast(t *testing.T) {
	b := NewBuffer(4)
	b.Add(Entry{Level: slog.LevelWarn, Message: "dropped by ring"})
	b.Add(Entry{Level: slog.LevelError, Message: "e1"})
	b.Add(Entry{Level: slog.LevelInfo, Message: "i1"})
	b.Add(Entry{Level: slog.LevelWarn, Message: "w1"})
	b.Add(Entry{Level: slog.LevelError, Message: "e2"})

	var got []string
	for _, e := range b.RecentAtLeast(slog.LevelWarn, 10) {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"e1", "w1", "e2"}, got)

	got = got[:0]
	for _, e := range b.RecentAtLeast(slog.LevelWarn, 2) {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"w1", "e2"}, got)
}

func TestBufferRecentAtLeastNoMatch(t *testing.T) {
	b := NewBuffer(3)
	b.Add(Entry{Level: slog.LevelInfo, Message: "i1"})
	b.Add(Entry{Level: slog.LevelDebug, Message: "d1"})

	assert.Nil(t, b.RecentAtLeast(slog.LevelWarn, 10))
	assert.Nil(t, b.RecentAtLeast(slog.LevelDebug, 0))
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := NewBuffer(0)
	b.Add(Entry{Message: "a"})
	b.Add(Entry{Message: "b"})

	entries := b.Recent(5)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Message)
}

func TestTeeHandler(t *testing.T) {
	var out bytes.Buffer
	logger, buf := New(&out, slog.LevelInfo)

	logger.With("session", "Deployed").Warn("Login rejected", "text", "Not entitled")
	logger.Debug("hidden")

	assert.Contains(t, out.String(), "Login rejected")
	assert.NotContains(t, out.String(), "hidden")

	entries := buf.Recent(10)
	require.Len(t, entries, 1)
	assert.Equal(t, slog.LevelWarn, entries[0].Level)
	assert.Equal(t, "Login rejected", entries[0].Message)
	assert.Equal(t, "session=Deployed text=Not entitled", entries[0].Attrs)
	assert.Contains(t, entries[0].String(), "WARN Login rejected session=Deployed")
}

func TestLevelVarChangesLevel(t *testing.T) {
	var out bytes.Buffer
	var level slog.LevelVar
	logger, buf := New(&out, &level)

	logger.Debug("before")
	level.Set(slog.LevelDebug)
	logger.Debug("after")

	entries := buf.Recent(10)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].Message)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
