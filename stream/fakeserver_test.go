package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeServer is an in-process streaming server that answers logins and item
// requests from a script.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	received []map[string]any

	// rejectLogin answers the login with a closed login stream.
	rejectLogin bool
	// dropOnItem closes the connection without a close frame on the first item request.
	dropOnItem bool
	// reply builds the response frame for an item request; nil means no reply.
	reply func(req map[string]any) []map[string]any
}

var testUpgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

func newFakeServer(t *testing.T, opts ...func(*fakeServer)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	for _, opt := range opts {
		opt(fs)
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

// URL returns the websocket endpoint of the server.
func (fs *fakeServer) URL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/WebSocket"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, req)
		fs.mu.Unlock()

		var out []map[string]any
		switch {
		case req["Domain"] == DomainLogin && req["Type"] == nil:
			out = fs.loginReply()
		case req["Type"] == TypeClose || req["Type"] == TypePong:
		default:
			if fs.dropOnItem {
				return
			}
			if fs.reply != nil {
				out = fs.reply(req)
			}
		}
		if len(out) > 0 {
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}
}

func (fs *fakeServer) loginReply() []map[string]any {
	if fs.rejectLogin {
		return []map[string]any{{
			"ID": 1, "Type": TypeStatus, "Domain": DomainLogin,
			"State": map[string]any{"Stream": StreamClosed, "Data": "Suspect", "Text": "Not entitled"},
		}}
	}
	return []map[string]any{{
		"ID": 1, "Type": TypeRefresh, "Domain": DomainLogin,
		"State": map[string]any{"Stream": StreamOpen, "Data": "Ok", "Text": "Login accepted"},
	}}
}

// requests returns a copy of everything the server has read so far.
func (fs *fakeServer) requests() []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]map[string]any(nil), fs.received...)
}

// requestFor returns the first request whose Key.Name is name.
func (fs *fakeServer) requestFor(name string) map[string]any {
	for _, req := range fs.requests() {
		if key, ok := req["Key"].(map[string]any); ok && key["Name"] == name {
			return req
		}
	}
	return nil
}

// refreshFor builds a complete refresh reply for an item request.
func refreshFor(req map[string]any, streaming bool) map[string]any {
	stream := StreamOpen
	if !streaming {
		stream = StreamNonStreaming
	}
	return map[string]any{
		"ID": req["ID"], "Type": TypeRefresh, "Domain": "MarketPrice",
		"Key":    req["Key"],
		"State":  map[string]any{"Stream": stream, "Data": "Ok", "Text": "All is well"},
		"Fields": map[string]any{"BID": 1.5, "ASK": 1.6},
	}
}
