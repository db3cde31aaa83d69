// Package streamtest provides an in-memory stream.Session for tests.
package streamtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/zerodha/rdp-stream-client/stream"
)

// Session is a stream.Session that records item streams and lets tests deliver
// messages to them directly.
type Session struct {
	// OpenErr is returned by Open when set.
	OpenErr error
	// OnOpen replaces the default Open behavior when set; a nil result opens the session.
	OnOpen func(ctx context.Context) error
	// OnItemOpen is called after an item stream is opened, outside any lock.
	OnItemOpen func(st *ItemStream)

	mu      sync.Mutex
	open    bool
	closed  int
	streams []*ItemStream
	done    chan struct{}
	ended   bool
}

var _ stream.Session = (*Session)(nil)

// New returns an unopened Session.
func New() *Session {
	return &Session{done: make(chan struct{})}
}

func (s *Session) Open(ctx context.Context) error {
	if s.OpenErr != nil {
		return s.OpenErr
	}
	if s.OnOpen != nil {
		if err := s.OnOpen(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.open = false
	s.closed++
	s.endLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Drop ends the session as if the connection was lost.
func (s *Session) Drop() {
	s.mu.Lock()
	s.open = false
	s.endLocked()
	s.mu.Unlock()
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.done)
	}
}

func (s *Session) ItemStream(req stream.ItemRequest) stream.ItemStream {
	return &ItemStream{Req: req, session: s}
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Streams returns the opened item streams in open order.
func (s *Session) Streams() []*ItemStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ItemStream(nil), s.streams...)
}

// ItemStream is an item stream whose messages are delivered by the test.
type ItemStream struct {
	Req stream.ItemRequest

	session *Session

	mu          sync.Mutex
	opened      bool
	withUpdates bool
	state       stream.StreamState
	handlers    map[string]stream.MessageHandler
}

func (st *ItemStream) Name() string { return st.Req.Name }

func (st *ItemStream) State() stream.StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// WithUpdates reports whether the stream was opened in streaming mode.
func (st *ItemStream) WithUpdates() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.withUpdates
}

func (st *ItemStream) OnRefresh(fn stream.MessageHandler) { st.on(stream.TypeRefresh, fn) }
func (st *ItemStream) OnUpdate(fn stream.MessageHandler)  { st.on(stream.TypeUpdate, fn) }
func (st *ItemStream) OnStatus(fn stream.MessageHandler)  { st.on(stream.TypeStatus, fn) }
func (st *ItemStream) OnError(fn stream.MessageHandler)   { st.on(stream.TypeError, fn) }

func (st *ItemStream) on(typ string, fn stream.MessageHandler) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.handlers == nil {
		st.handlers = make(map[string]stream.MessageHandler)
	}
	st.handlers[typ] = fn
}

func (st *ItemStream) Open(withUpdates bool) error {
	s := st.session
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return stream.ErrSessionNotOpen
	}
	s.mu.Unlock()

	st.mu.Lock()
	if st.opened {
		st.mu.Unlock()
		return fmt.Errorf("stream %s already opened", st.Req.Name)
	}
	st.opened = true
	st.withUpdates = withUpdates
	st.state = stream.StatePending
	st.mu.Unlock()

	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()

	if s.OnItemOpen != nil {
		s.OnItemOpen(st)
	}
	return nil
}

func (st *ItemStream) Close() error {
	st.mu.Lock()
	st.state = stream.StateClosed
	st.mu.Unlock()
	return nil
}

// Deliver applies m to the stream state the way a live session does and invokes
// the registered handler.
func (st *ItemStream) Deliver(m stream.Message) {
	st.mu.Lock()
	switch m.Type {
	case stream.TypeRefresh:
		st.state = stream.StateOpen
		if m.State.Closed() || (m.IsComplete() && !st.withUpdates) {
			st.state = stream.StateClosed
		}
	case stream.TypeStatus:
		if m.State.Closed() {
			st.state = stream.StateClosed
		}
	}
	fn := st.handlers[m.Type]
	st.mu.Unlock()

	if fn != nil {
		fn(st, m)
	}
}

// Refresh returns a refresh message; complete=false marks a partial image.
func Refresh(name string, complete bool) stream.Message {
	m := stream.Message{Type: stream.TypeRefresh, Key: &stream.Key{Name: name}, State: &stream.State{Stream: stream.StreamOpen, Data: "Ok"}}
	if !complete {
		m.Complete = &complete
	}
	m.Raw = []byte(fmt.Sprintf(`{"Type":"Refresh","Key":{"Name":%q},"Complete":%t}`, name, complete))
	return m
}

// Update returns an update message.
func Update(name string) stream.Message {
	return stream.Message{Type: stream.TypeUpdate, Key: &stream.Key{Name: name},
		Raw: []byte(fmt.Sprintf(`{"Type":"Update","Key":{"Name":%q}}`, name))}
}

// ClosedStatus returns a status message that closes the stream.
func ClosedStatus(name, text string) stream.Message {
	return stream.Message{Type: stream.TypeStatus, Key: &stream.Key{Name: name},
		State: &stream.State{Stream: stream.StreamClosed, Data: "Suspect", Text: text},
		Raw:   []byte(fmt.Sprintf(`{"Type":"Status","Key":{"Name":%q},"State":{"Stream":"Closed","Text":%q}}`, name, text))}
}

// Error returns an error message.
func Error(text string) stream.Message {
	return stream.Message{Type: stream.TypeError, Text: text,
		Raw: []byte(fmt.Sprintf(`{"Type":"Error","Text":%q}`, text))}
}
