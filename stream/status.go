package stream

// StreamState is the lifecycle state of an item stream.
type StreamState int

const (
	StatePending StreamState = iota
	StateOpen
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionState is the connection state reported through Config.OnState.
type SessionState string

const (
	SessionPending SessionState = "Pending"
	SessionOpen    SessionState = "Open"
	SessionClosed  SessionState = "Closed"
)

// SessionEvent is a notable session occurrence reported through Config.OnEvent.
type SessionEvent string

const (
	EventConnected          SessionEvent = "Connected"
	EventLoginSucceeded     SessionEvent = "LoginSucceeded"
	EventLoginFailed        SessionEvent = "LoginFailed"
	EventDisconnected       SessionEvent = "Disconnected"
	EventTokenRefreshed     SessionEvent = "TokenRefreshed"
	EventTokenRefreshFailed SessionEvent = "TokenRefreshFailed"
	EventServerError        SessionEvent = "ServerError"
)
