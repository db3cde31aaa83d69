package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zerodha/rdp-stream-client/stream"
)

// Sink receives every message the tracker sees.
type Sink interface {
	Record(item string, msg stream.Message) error
}

// TrackerConfig holds configuration for creating a new Tracker.
type TrackerConfig struct {
	AutoExit   bool
	Dump       bool // print every received message
	ShowStatus bool // print item name and state of status messages
	Out        io.Writer
	Sink       Sink
	Logger     *slog.Logger
}

// Tracker classifies inbound messages, keeps the Stats and signals shutdown.
type Tracker struct {
	cfg    TrackerConfig
	logger *slog.Logger
	stats  Stats

	outMu sync.Mutex

	sealMu   sync.Mutex
	sealed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewTracker creates a tracker writing console output to cfg.Out.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Stats returns the tracker's counters.
func (t *Tracker) Stats() *Stats {
	return &t.stats
}

// Attach registers the tracker's handlers on an item stream.
func (t *Tracker) Attach(st stream.ItemStream) {
	st.OnRefresh(t.OnMessage)
	st.OnUpdate(t.OnMessage)
	st.OnError(t.OnMessage)
	st.OnStatus(t.OnStatus)
}

// AddRequested adds n to the requested count.
func (t *Tracker) AddRequested(n int) {
	t.stats.requested.Add(int64(n))
}

// Seal marks the end of requesting. Auto-exit is only evaluated once sealed,
// so early responses cannot complete a run before every batch is counted.
func (t *Tracker) Seal() {
	t.sealMu.Lock()
	t.sealed = true
	t.sealMu.Unlock()
	t.checkComplete()
}

// Shutdown signals the run to stop. It is safe to call more than once.
func (t *Tracker) Shutdown() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Done is closed once Shutdown has been called.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// OnMessage handles refresh, update and error messages.
func (t *Tracker) OnMessage(s stream.ItemStream, m stream.Message) {
	if t.cfg.Dump {
		t.printJSON("RCVD: ", m)
	}
	t.record(s, m)

	switch m.Type {
	case stream.TypeRefresh:
		if m.IsComplete() {
			t.stats.refreshes.Add(1)
		}
	case stream.TypeUpdate:
		t.stats.updates.Add(1)
	case stream.TypeError:
		t.printJSON("ERR: ", m)
		t.logger.Error("Server rejected request", "item", s.Name(), "text", m.Text)
		t.Shutdown()
	}
	t.checkComplete()
}

// OnStatus handles status messages. A status that leaves the stream closed also
// counts the item as closed.
func (t *Tracker) OnStatus(s stream.ItemStream, m stream.Message) {
	if t.cfg.Dump {
		t.printJSON("RCVD: ", m)
	} else if t.cfg.ShowStatus {
		t.outMu.Lock()
		fmt.Fprintln(t.cfg.Out, s.Name(), m.State.String())
		t.outMu.Unlock()
	}
	t.record(s, m)

	t.stats.statuses.Add(1)
	if s.State() == stream.StateClosed {
		t.stats.closed.Add(1)
		t.logger.Debug("Item closed", "item", s.Name(), "state", m.State.String())
	}
	t.checkComplete()
}

func (t *Tracker) checkComplete() {
	if !t.cfg.AutoExit {
		return
	}
	t.sealMu.Lock()
	sealed := t.sealed
	t.sealMu.Unlock()
	if !sealed {
		return
	}
	snap := t.stats.Snapshot()
	if snap.Requested == snap.Completed() {
		t.logger.Debug("All requests answered", "requested", snap.Requested)
		t.Shutdown()
	}
}

func (t *Tracker) record(s stream.ItemStream, m stream.Message) {
	if t.cfg.Sink == nil {
		return
	}
	if err := t.cfg.Sink.Record(s.Name(), m); err != nil {
		t.logger.Warn("Failed to record message", "item", s.Name(), "error", err)
	}
}

// printJSON writes the raw message indented with sorted keys.
func (t *Tracker) printJSON(prefix string, m stream.Message) {
	out, err := indentJSON(m)
	if err != nil {
		t.logger.Warn("Failed to format message", "error", err)
		out = string(m.Raw)
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintln(t.cfg.Out, prefix)
	fmt.Fprintln(t.cfg.Out, out)
}

func indentJSON(m stream.Message) (string, error) {
	var v any
	if len(m.Raw) > 0 {
		// Decoding into a generic value sorts object keys on re-encode.
		if err := json.Unmarshal(m.Raw, &v); err != nil {
			return "", err
		}
	} else {
		v = m
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
