package stream

import (
	"fmt"
	"sync"
)

// itemStream implements ItemStream for a WSSession.
type itemStream struct {
	session *WSSession
	req     ItemRequest

	mu          sync.RWMutex
	id          int
	state       StreamState
	withUpdates bool
	onRefresh   MessageHandler
	onUpdate    MessageHandler
	onStatus    MessageHandler
	onError     MessageHandler
}

func (st *itemStream) Name() string {
	return st.req.Name
}

func (st *itemStream) State() StreamState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state
}

func (st *itemStream) OnRefresh(fn MessageHandler) {
	st.mu.Lock()
	st.onRefresh = fn
	st.mu.Unlock()
}

func (st *itemStream) OnUpdate(fn MessageHandler) {
	st.mu.Lock()
	st.onUpdate = fn
	st.mu.Unlock()
}

func (st *itemStream) OnStatus(fn MessageHandler) {
	st.mu.Lock()
	st.onStatus = fn
	st.mu.Unlock()
}

func (st *itemStream) OnError(fn MessageHandler) {
	st.mu.Lock()
	st.onError = fn
	st.mu.Unlock()
}

// Open registers the stream with the session and sends the item request.
func (st *itemStream) Open(withUpdates bool) error {
	st.mu.Lock()
	if st.id != 0 {
		st.mu.Unlock()
		return fmt.Errorf("stream %s already opened", st.req.Name)
	}
	st.mu.Unlock()

	id, err := st.session.register(st)
	if err != nil {
		return fmt.Errorf("open %s: %w", st.req.Name, err)
	}

	st.mu.Lock()
	st.id = id
	st.state = StatePending
	st.withUpdates = withUpdates
	st.mu.Unlock()

	req := itemRequest{
		ID:        id,
		Domain:    st.req.Domain,
		Key:       requestKey{Name: st.req.Name, Service: st.req.Service},
		Streaming: withUpdates,
		View:      st.req.Fields,
	}
	if err := st.session.writeJSON(req); err != nil {
		st.session.unregister(id)
		st.setState(StateClosed)
		return fmt.Errorf("send request for %s: %w", st.req.Name, err)
	}
	return nil
}

// Close sends a close request for an open stream.
func (st *itemStream) Close() error {
	st.mu.Lock()
	id, state := st.id, st.state
	st.state = StateClosed
	st.mu.Unlock()

	if id == 0 || state == StateClosed {
		return nil
	}
	st.session.unregister(id)
	if err := st.session.writeJSON(closeRequest{ID: id, Type: TypeClose}); err != nil {
		return fmt.Errorf("close %s: %w", st.req.Name, err)
	}
	return nil
}

func (st *itemStream) setState(state StreamState) {
	st.mu.Lock()
	st.state = state
	st.mu.Unlock()
}

// handle updates the stream state from m and invokes the matching callback.
// Snapshot streams close once their image is complete.
func (st *itemStream) handle(m Message) {
	st.mu.Lock()
	var fn MessageHandler
	switch m.Type {
	case TypeRefresh:
		fn = st.onRefresh
		st.state = StateOpen
		if m.State.Closed() || (m.IsComplete() && (!st.withUpdates || (m.State != nil && m.State.Stream == StreamNonStreaming))) {
			st.state = StateClosed
		}
	case TypeUpdate:
		fn = st.onUpdate
	case TypeStatus:
		fn = st.onStatus
		if m.State.Closed() {
			st.state = StateClosed
		} else if m.State != nil && m.State.Stream == StreamOpen {
			st.state = StateOpen
		}
	case TypeError:
		fn = st.onError
	}
	id, closed := st.id, st.state == StateClosed
	st.mu.Unlock()

	if closed {
		st.session.unregister(id)
	}
	if fn != nil {
		fn(st, m)
	}
}
