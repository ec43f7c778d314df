package internal

// SessionState is the state of the gateway connection state machine.
type SessionState int32

const (
	SessionStateIdle SessionState = iota
	SessionStateOpeningGateway
	SessionStateOpeningGateway1stRetry
	SessionStateOpeningGatewayLastRetry
	SessionStateOpeningGatewayAfterDisconnect
	SessionStateWaitingForHandshake
	SessionStateConnected
	SessionStateWaitingForHeartbeatResponse
	SessionStateWaitingForHeartbeatResponse1stRetry
	SessionStateWaitingForHeartbeatResponseLastRetry
	SessionStateWaitingForResumeOk
)

func (state SessionState) String() string {
	return [...]string{
		"Idle",
		"OpeningGateway",
		"OpeningGateway1stRetry",
		"OpeningGatewayLastRetry",
		"OpeningGatewayAfterDisconnect",
		"WaitingForHandshake",
		"Connected",
		"WaitingForHeartbeatResponse",
		"WaitingForHeartbeatResponse1stRetry",
		"WaitingForHeartbeatResponseLastRetry",
		"WaitingForResumeOk",
	}[state]
}

func (state SessionState) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

// IsConnected returns true for Connected and every state of the heartbeat
// failure ladder, where a handshaken socket still exists.
func (state SessionState) IsConnected() bool {
	switch state {
	case SessionStateConnected,
		SessionStateWaitingForHeartbeatResponse,
		SessionStateWaitingForHeartbeatResponse1stRetry,
		SessionStateWaitingForHeartbeatResponseLastRetry,
		SessionStateWaitingForResumeOk:
		return true
	default:
		return false
	}
}

// SessionIdentity is what the server needs to resume a session.
type SessionIdentity struct {
	SessionID    string `json:"session_id"`
	LastSequence int64  `json:"last_sequence"`
}

// SessionStatusUpdate is published whenever the session changes state.
type SessionStatusUpdate struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}
