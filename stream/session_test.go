package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []SessionState
	events []SessionEvent
}

func (r *stateRecorder) onState(s SessionState, _ string) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) onEvent(e SessionEvent, _ string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() ([]SessionState, []SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.states...), append([]SessionEvent(nil), r.events...)
}

func openSession(t *testing.T, fs *fakeServer, rec *stateRecorder) *WSSession {
	t.Helper()
	cfg := Config{Name: "Deployed", LoginTimeout: 5 * time.Second}
	if rec != nil {
		cfg.OnState = rec.onState
		cfg.OnEvent = rec.onEvent
	}
	s := New(&DeployedAuth{Host: fs.URL(), User: "tester", Position: "10.0.0.1/test"}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func withReply(fn func(req map[string]any) []map[string]any) func(*fakeServer) {
	return func(fs *fakeServer) { fs.reply = fn }
}

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSessionLoginSendsUserAndElements(t *testing.T) {
	fs := newFakeServer(t)
	rec := &stateRecorder{}
	s := openSession(t, fs, rec)

	assert.Equal(t, SessionOpen, s.State())

	reqs := fs.requests()
	require.NotEmpty(t, reqs)
	login := reqs[0]
	assert.Equal(t, float64(1), login["ID"])
	assert.Equal(t, DomainLogin, login["Domain"])
	key := login["Key"].(map[string]any)
	assert.Equal(t, "tester", key["Name"])
	elems := key["Elements"].(map[string]any)
	assert.Equal(t, DefaultApplicationID, elems["ApplicationId"])
	assert.Equal(t, "10.0.0.1/test", elems["Position"])

	require.NoError(t, s.Close())
	states, events := rec.snapshot()
	assert.Equal(t, []SessionState{SessionPending, SessionOpen, SessionClosed}, states)
	assert.Contains(t, events, EventConnected)
	assert.Contains(t, events, EventLoginSucceeded)
}

func TestSessionLoginRejected(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.rejectLogin = true })

	rec := &stateRecorder{}
	s := New(&DeployedAuth{Host: fs.URL(), User: "nobody"}, Config{OnState: rec.onState, OnEvent: rec.onEvent})
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not entitled")
	assert.Equal(t, SessionClosed, s.State())

	_, events := rec.snapshot()
	assert.Contains(t, events, EventLoginFailed)
}

func TestSessionConnectFailure(t *testing.T) {
	s := New(&DeployedAuth{Host: "ws://127.0.0.1:1/WebSocket"}, Config{HandshakeTimeout: time.Second})
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, SessionClosed, s.State())
}

func TestItemStreamRequiresOpenSession(t *testing.T) {
	s := New(&DeployedAuth{Host: "ws://unused"}, Config{})
	st := s.ItemStream(ItemRequest{Name: "VOD.L"})
	err := st.Open(true)
	require.ErrorIs(t, err, ErrSessionNotOpen)
}

func TestSnapshotStreamClosesAfterRefresh(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		return []map[string]any{refreshFor(req, false)}
	}))
	s := openSession(t, fs, nil)

	refreshes := make(chan Message, 1)
	st := s.ItemStream(ItemRequest{Domain: "MarketPrice", Name: "VOD.L", Service: "ELEKTRON_DD", Fields: []string{"BID", "ASK"}})
	st.OnRefresh(func(_ ItemStream, m Message) { refreshes <- m })
	require.NoError(t, st.Open(false))

	m := waitFor(t, refreshes)
	assert.Equal(t, TypeRefresh, m.Type)
	assert.True(t, m.IsComplete())
	assert.Equal(t, StateClosed, st.State())

	req := fs.requestFor("VOD.L")
	require.NotNil(t, req)
	assert.Equal(t, false, req["Streaming"])
	assert.Equal(t, "MarketPrice", req["Domain"])
	assert.Equal(t, []any{"BID", "ASK"}, req["View"])
	assert.Equal(t, "ELEKTRON_DD", req["Key"].(map[string]any)["Service"])
}

func TestStreamingStreamReceivesUpdates(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		return []map[string]any{
			refreshFor(req, true),
			{"ID": req["ID"], "Type": TypeUpdate, "Fields": map[string]any{"BID": 1.7}},
			{"ID": req["ID"], "Type": TypeUpdate, "Fields": map[string]any{"BID": 1.8}},
		}
	}))
	s := openSession(t, fs, nil)

	updates := make(chan Message, 2)
	st := s.ItemStream(ItemRequest{Name: "BT.L"})
	st.OnUpdate(func(_ ItemStream, m Message) { updates <- m })
	require.NoError(t, st.Open(true))

	waitFor(t, updates)
	waitFor(t, updates)
	assert.Equal(t, StateOpen, st.State())
	assert.Equal(t, true, fs.requestFor("BT.L")["Streaming"])

	require.NoError(t, st.Close())
	assert.Equal(t, StateClosed, st.State())
	require.Eventually(t, func() bool {
		for _, r := range fs.requests() {
			if r["Type"] == TypeClose && r["ID"] == fs.requestFor("BT.L")["ID"] {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIncompleteRefreshKeepsSnapshotOpen(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		part := refreshFor(req, false)
		part["Complete"] = false
		return []map[string]any{part, refreshFor(req, false)}
	}))
	s := openSession(t, fs, nil)

	type observed struct {
		complete bool
		state    StreamState
	}
	seen := make(chan observed, 2)
	st := s.ItemStream(ItemRequest{Name: "LSEG.L"})
	st.OnRefresh(func(is ItemStream, m Message) { seen <- observed{m.IsComplete(), is.State()} })
	require.NoError(t, st.Open(false))

	first := <-seen
	second := <-seen
	assert.Equal(t, observed{false, StateOpen}, first)
	assert.Equal(t, observed{true, StateClosed}, second)
}

func TestStatusClosedClosesStream(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		return []map[string]any{{
			"ID": req["ID"], "Type": TypeStatus,
			"State": map[string]any{"Stream": StreamClosed, "Data": "Suspect", "Code": "NotFound", "Text": "Item not found"},
		}}
	}))
	s := openSession(t, fs, nil)

	statuses := make(chan Message, 1)
	st := s.ItemStream(ItemRequest{Name: "NOPE.L"})
	st.OnStatus(func(_ ItemStream, m Message) { statuses <- m })
	require.NoError(t, st.Open(true))

	m := waitFor(t, statuses)
	assert.True(t, m.State.Closed())
	assert.Equal(t, StateClosed, st.State())
}

func TestItemErrorIsDelivered(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		return []map[string]any{{"ID": req["ID"], "Type": TypeError, "Text": "JSON Unexpected Key"}}
	}))
	s := openSession(t, fs, nil)

	errs := make(chan Message, 1)
	st := s.ItemStream(ItemRequest{Name: "BAD"})
	st.OnError(func(_ ItemStream, m Message) { errs <- m })
	require.NoError(t, st.Open(true))

	m := waitFor(t, errs)
	assert.Equal(t, "JSON Unexpected Key", m.Text)
	assert.Contains(t, string(m.Raw), "JSON Unexpected Key")
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	fs := newFakeServer(t, withReply(func(req map[string]any) []map[string]any {
		return []map[string]any{{"Type": TypePing}}
	}))
	s := openSession(t, fs, nil)

	require.NoError(t, s.ItemStream(ItemRequest{Name: "VOD.L"}).Open(true))
	require.Eventually(t, func() bool {
		for _, r := range fs.requests() {
			if r["Type"] == TypePong {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseSendsLoginCloseAndIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	s := openSession(t, fs, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())

	require.Eventually(t, func() bool {
		for _, r := range fs.requests() {
			if r["Type"] == TypeClose && r["Domain"] == DomainLogin {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDoneClosedWhenConnectionDrops(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.dropOnItem = true })
	rec := &stateRecorder{}
	s := openSession(t, fs, rec)

	select {
	case <-s.Done():
		t.Fatal("done before the connection dropped")
	default:
	}

	require.NoError(t, s.ItemStream(ItemRequest{Domain: "MarketPrice", Name: "VOD.L"}).Open(true))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not done after the connection dropped")
	}
	assert.Equal(t, SessionClosed, s.State())
	_, events := rec.snapshot()
	assert.Contains(t, events, EventDisconnected)
}

func TestDoneClosedByClose(t *testing.T) {
	fs := newFakeServer(t)
	s := openSession(t, fs, nil)

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	default:
		t.Fatal("Close must end the session")
	}
}

func TestDecodeFrame(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		msgs, err := decodeFrame([]byte(`[{"ID":2,"Type":"Refresh","Complete":false},{"ID":3,"Type":"Update"}]`))
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.False(t, msgs[0].IsComplete())
		assert.True(t, msgs[1].IsComplete())
		assert.JSONEq(t, `{"ID":3,"Type":"Update"}`, string(msgs[1].Raw))
	})
	t.Run("single object", func(t *testing.T) {
		msgs, err := decodeFrame([]byte(` {"Type":"Ping"} `))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, TypePing, msgs[0].Type)
	})
	t.Run("empty", func(t *testing.T) {
		msgs, err := decodeFrame([]byte("  "))
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := decodeFrame([]byte(`[{"ID":"x"}]`))
		assert.Error(t, err)
	})
}

func TestMessageDefaults(t *testing.T) {
	assert.Equal(t, "MarketPrice", Message{}.DomainOrDefault())
	assert.Equal(t, "MarketByOrder", Message{Domain: "MarketByOrder"}.DomainOrDefault())

	var nilState *State
	assert.False(t, nilState.Closed())
	assert.True(t, (&State{Stream: StreamClosedRecover}).Closed())
	assert.False(t, (&State{Stream: StreamNonStreaming}).Closed())
}
