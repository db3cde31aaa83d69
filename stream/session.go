package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol of the JSON streaming API.
const Subprotocol = "tr_json2"

const (
	loginStreamID = 1

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLoginTimeout     = 30 * time.Second
)

// ErrSessionNotOpen is returned when an item stream is opened before the session.
var ErrSessionNotOpen = errors.New("session is not open")

// Session is a connection to the streaming platform.
type Session interface {
	Open(ctx context.Context) error
	Close() error
	ItemStream(req ItemRequest) ItemStream
	// Done is closed once the session has ended, either by Close or because the
	// connection or login was lost. There is no reconnection.
	Done() <-chan struct{}
}

// ItemStream is a subscription to a single item.
type ItemStream interface {
	Name() string
	State() StreamState
	OnRefresh(fn MessageHandler)
	OnUpdate(fn MessageHandler)
	OnStatus(fn MessageHandler)
	OnError(fn MessageHandler)
	// Open sends the item request. withUpdates=false requests a snapshot.
	Open(withUpdates bool) error
	Close() error
}

// MessageHandler receives messages for an item stream.
type MessageHandler func(s ItemStream, msg Message)

// StateCallback is invoked on session state transitions.
type StateCallback func(state SessionState, message string)

// EventCallback is invoked on session events.
type EventCallback func(event SessionEvent, message string)

// ItemRequest describes the item an ItemStream subscribes to.
type ItemRequest struct {
	Domain  string
	Name    string
	Service string
	// Fields is the optional view; empty requests all fields.
	Fields []string
}

// Authenticator supplies the endpoint and login credentials for a session.
type Authenticator interface {
	// Endpoint returns the websocket URL to dial.
	Endpoint(ctx context.Context) (string, error)
	// LoginKey returns the key for a login request, renewing credentials if due.
	LoginKey(ctx context.Context) (LoginKey, error)
	// NextRefresh returns how long until credentials must be renewed; zero means never.
	NextRefresh() time.Duration
}

// Config holds configuration for creating a new WSSession.
type Config struct {
	Name             string // label used in logs, e.g. "Platform"
	Logger           *slog.Logger
	OnState          StateCallback
	OnEvent          EventCallback
	Header           http.Header
	HandshakeTimeout time.Duration
	LoginTimeout     time.Duration
}

// WSSession implements Session over a websocket connection.
type WSSession struct {
	auth   Authenticator
	name   string
	logger *slog.Logger
	cfg    Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.RWMutex
	streams map[int]*itemStream
	nextID  int
	state   SessionState

	loginResult chan error
	loggedIn    atomic.Bool
	closing     atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

var _ Session = (*WSSession)(nil)

// New creates a websocket session that authenticates with auth.
func New(auth Authenticator, cfg Config) *WSSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "Session"
	}
	return &WSSession{
		auth:        auth,
		name:        name,
		logger:      logger.With("session", name),
		cfg:         cfg,
		streams:     make(map[int]*itemStream),
		nextID:      loginStreamID + 1,
		state:       SessionClosed,
		loginResult: make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Open dials the endpoint, logs in and blocks until the login is accepted or rejected.
func (s *WSSession) Open(ctx context.Context) error {
	s.setState(SessionPending, "Opening")

	endpoint, err := s.auth.Endpoint(ctx)
	if err != nil {
		s.setState(SessionClosed, err.Error())
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, s.cfg.Header)
	if err != nil {
		s.setState(SessionClosed, err.Error())
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	s.logger.Info("WebSocket connected", "endpoint", endpoint)
	s.emit(EventConnected, endpoint)

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()

	if err := s.login(ctx, true); err != nil {
		_ = s.Close()
		return err
	}

	select {
	case err := <-s.loginResult:
		if err != nil {
			_ = s.Close()
			return err
		}
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	case <-time.After(s.cfg.LoginTimeout):
		_ = s.Close()
		return fmt.Errorf("login not answered within %s", s.cfg.LoginTimeout)
	}

	s.setState(SessionOpen, "Login accepted")

	if s.auth.NextRefresh() > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshLoop(runCtx)
		}()
	}
	return nil
}

// Close closes the login stream and the connection, then waits for session goroutines.
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.cancel != nil {
			s.cancel()
		}

		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()

		if conn != nil {
			if s.loggedIn.Load() {
				if werr := s.writeJSON(closeRequest{ID: loginStreamID, Type: TypeClose, Domain: DomainLogin}); werr != nil {
					s.logger.Debug("Failed to close login stream", "error", werr)
				}
			}
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
			s.writeMu.Unlock()
		}

		s.wg.Wait()

		s.mu.Lock()
		for id, st := range s.streams {
			st.setState(StateClosed)
			delete(s.streams, id)
		}
		s.mu.Unlock()

		s.setState(SessionClosed, "Closed")
		s.logger.Info("Session closed")
		s.markDone()
	})
	return err
}

// ItemStream creates an item stream bound to this session. The stream is not opened.
func (s *WSSession) ItemStream(req ItemRequest) ItemStream {
	return &itemStream{session: s, req: req}
}

// Done returns a channel closed when the session ends.
func (s *WSSession) Done() <-chan struct{} {
	return s.done
}

func (s *WSSession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// State returns the current session state.
func (s *WSSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *WSSession) setState(state SessionState, message string) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.cfg.OnState != nil {
		s.cfg.OnState(state, message)
	}
}

func (s *WSSession) emit(event SessionEvent, message string) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(event, message)
	}
}

// login sends a login request. The first login asks for a refresh; renewals do not.
func (s *WSSession) login(ctx context.Context, first bool) error {
	key, err := s.auth.LoginKey(ctx)
	if err != nil {
		return fmt.Errorf("build login: %w", err)
	}
	req := loginRequest{ID: loginStreamID, Domain: DomainLogin, Key: key}
	if !first {
		refresh := false
		req.Refresh = &refresh
	}
	if err := s.writeJSON(req); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	return nil
}

// register assigns a stream id and tracks st for dispatch.
func (s *WSSession) register(st *itemStream) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionOpen {
		return 0, ErrSessionNotOpen
	}
	id := s.nextID
	s.nextID++
	s.streams[id] = st
	return id, nil
}

func (s *WSSession) unregister(id int) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *WSSession) lookup(id int) (*itemStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *WSSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return s.conn.WriteJSON(v)
}

// readLoop decodes frames and dispatches messages until the connection fails.
// Callbacks run on this goroutine, one message at a time.
func (s *WSSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.logger.Error("WebSocket read failed", "error", err)
			s.loginDone(fmt.Errorf("connection lost before login: %w", err))
			s.emit(EventDisconnected, err.Error())
			s.setState(SessionClosed, err.Error())
			s.markDone()
			return
		}

		msgs, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("Dropping undecodable frame", "error", err, "raw", string(data))
			continue
		}
		for _, m := range msgs {
			s.dispatch(m)
		}
	}
}

func (s *WSSession) dispatch(m Message) {
	if m.Type == TypePing {
		if err := s.writeJSON(pong{Type: TypePong}); err != nil {
			s.logger.Warn("Failed to answer ping", "error", err)
		}
		return
	}

	if m.ID == loginStreamID {
		s.handleLogin(m)
		return
	}

	st, ok := s.lookup(m.ID)
	if !ok {
		if m.Type == TypeError {
			s.logger.Error("Server error", "text", m.Text, "raw", string(m.Raw))
			s.emit(EventServerError, m.Text)
			return
		}
		s.logger.Debug("Message for unknown stream", "id", m.ID, "type", m.Type)
		return
	}
	st.handle(m)
}

func (s *WSSession) handleLogin(m Message) {
	switch {
	case m.Type == TypeRefresh && m.State != nil && m.State.Stream == StreamOpen && m.State.Data == "Ok":
		if s.loggedIn.CompareAndSwap(false, true) {
			s.logger.Info("Login accepted", "text", m.State.Text)
			s.emit(EventLoginSucceeded, m.State.Text)
			s.loginDone(nil)
		}
	case m.State.Closed() || m.Type == TypeError:
		text := m.Text
		if m.State != nil {
			text = m.State.Text
		}
		s.logger.Error("Login rejected", "text", text)
		s.emit(EventLoginFailed, text)
		s.loginDone(fmt.Errorf("login rejected: %s", text))
		if s.loggedIn.Load() {
			s.setState(SessionClosed, text)
			s.markDone()
		}
	case m.Type == TypeStatus:
		s.logger.Info("Login status", "state", m.State.String())
	}
}

// loginDone delivers the login outcome to Open; later calls are dropped.
func (s *WSSession) loginDone(err error) {
	select {
	case s.loginResult <- err:
	default:
	}
}

// refreshLoop renews credentials before they expire and re-sends the login.
func (s *WSSession) refreshLoop(ctx context.Context) {
	for {
		wait := s.auth.NextRefresh()
		if wait <= 0 {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.login(ctx, false); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Token refresh failed", "error", err)
			s.emit(EventTokenRefreshFailed, err.Error())
			return
		}
		s.logger.Info("Token refreshed and login re-sent")
		s.emit(EventTokenRefreshed, "")
	}
}
