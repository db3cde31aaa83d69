package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types of the JSON streaming protocol.
const (
	TypeRefresh = "Refresh"
	TypeUpdate  = "Update"
	TypeStatus  = "Status"
	TypeError   = "Error"
	TypePing    = "Ping"
	TypePong    = "Pong"
	TypeClose   = "Close"
)

// Stream states reported in a message State object.
const (
	StreamOpen          = "Open"
	StreamNonStreaming  = "NonStreaming"
	StreamClosed        = "Closed"
	StreamClosedRecover = "ClosedRecover"
)

// DomainLogin is the domain of the login stream.
const DomainLogin = "Login"

// State is the State object carried by refresh and status messages.
type State struct {
	Stream string `json:"Stream,omitempty"`
	Data   string `json:"Data,omitempty"`
	Code   string `json:"Code,omitempty"`
	Text   string `json:"Text,omitempty"`
}

// Closed reports whether the stream state is terminal.
func (s *State) Closed() bool {
	return s != nil && (s.Stream == StreamClosed || s.Stream == StreamClosedRecover)
}

func (s *State) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s %s %s", s.Stream, s.Data, s.Code, s.Text)
}

// Key identifies the item a message refers to. Service may be a name or a numeric id.
type Key struct {
	Name     string         `json:"Name,omitempty"`
	NameType string         `json:"NameType,omitempty"`
	Service  any            `json:"Service,omitempty"`
	Elements map[string]any `json:"Elements,omitempty"`
}

// Message is a single inbound protocol message.
type Message struct {
	ID       int            `json:"ID"`
	Type     string         `json:"Type"`
	Domain   string         `json:"Domain,omitempty"`
	Complete *bool          `json:"Complete,omitempty"`
	Key      *Key           `json:"Key,omitempty"`
	State    *State         `json:"State,omitempty"`
	Fields   map[string]any `json:"Fields,omitempty"`
	Text     string         `json:"Text,omitempty"`

	// Raw is the message exactly as received.
	Raw json.RawMessage `json:"-"`
}

// IsComplete reports whether a refresh completes the image.
// An absent Complete field means complete.
func (m Message) IsComplete() bool {
	return m.Complete == nil || *m.Complete
}

// DomainOrDefault returns the message domain, or MarketPrice when the server omitted it.
func (m Message) DomainOrDefault() string {
	if m.Domain == "" {
		return "MarketPrice"
	}
	return m.Domain
}

// decodeFrame splits a websocket frame into messages. Frames normally carry a JSON
// array, but a single object is accepted too.
func decodeFrame(data []byte) ([]Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	} else {
		raws = []json.RawMessage{data}
	}

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Raw = raw
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// LoginKey is the Key of a login request.
type LoginKey struct {
	Name     string         `json:"Name,omitempty"`
	NameType string         `json:"NameType,omitempty"`
	Elements map[string]any `json:"Elements"`
}

type loginRequest struct {
	ID      int      `json:"ID"`
	Domain  string   `json:"Domain"`
	Refresh *bool    `json:"Refresh,omitempty"`
	Key     LoginKey `json:"Key"`
}

type requestKey struct {
	Name    string `json:"Name"`
	Service string `json:"Service,omitempty"`
}

type itemRequest struct {
	ID        int        `json:"ID"`
	Domain    string     `json:"Domain,omitempty"`
	Key       requestKey `json:"Key"`
	Streaming bool       `json:"Streaming"`
	View      []string   `json:"View,omitempty"`
}

type closeRequest struct {
	ID     int    `json:"ID"`
	Type   string `json:"Type"`
	Domain string `json:"Domain,omitempty"`
}

type pong struct {
	Type string `json:"Type"`
}
