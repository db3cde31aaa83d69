// Package marketdata requests item streams and counts the messages they deliver.
package marketdata

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Stats holds the message counters of a run. All fields are safe for concurrent use;
// handlers update them from the session reader while the main loop prints them.
type Stats struct {
	requested atomic.Int64
	refreshes atomic.Int64
	updates   atomic.Int64
	statuses  atomic.Int64
	closed    atomic.Int64
	startNano atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Requested int64
	Refreshes int64
	Updates   int64
	Statuses  int64
	Closed    int64
	Elapsed   time.Duration
}

// MarkStart records the time of the first request. Later calls are ignored.
func (s *Stats) MarkStart(t time.Time) {
	s.startNano.CompareAndSwap(0, t.UnixNano())
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Requested: s.requested.Load(),
		Refreshes: s.refreshes.Load(),
		Updates:   s.updates.Load(),
		Statuses:  s.statuses.Load(),
		Closed:    s.closed.Load(),
	}
	if start := s.startNano.Load(); start != 0 {
		snap.Elapsed = time.Since(time.Unix(0, start))
	}
	return snap
}

// Completed returns images plus closed items.
func (snap Snapshot) Completed() int64 {
	return snap.Refreshes + snap.Closed
}

// PrintStats writes the one-line stats summary.
func PrintStats(w io.Writer, snap Snapshot) {
	fmt.Fprintf(w, "Stats; Refresh: %d \tUpdates: %d \tStatus: %d \tElapsed Time: %.2fsecs\n",
		snap.Refreshes, snap.Updates, snap.Statuses, snap.Elapsed.Seconds())
}
