package voice

import "errors"

// The voice gateway speaks its own opcode set, distinct from the main
// gateway's.
type VoiceOpcode = int

const (
	OpcodeIdentify           VoiceOpcode = 0
	OpcodeSelectProtocol     VoiceOpcode = 1
	OpcodeReady              VoiceOpcode = 2
	OpcodeHeartbeat          VoiceOpcode = 3
	OpcodeSessionDescription VoiceOpcode = 4
	OpcodeSpeaking           VoiceOpcode = 5
	OpcodeHeartbeatAck       VoiceOpcode = 6
	OpcodeResume             VoiceOpcode = 7
	OpcodeHello              VoiceOpcode = 8
	OpcodeResumed            VoiceOpcode = 9
)

type VoiceCloseEventCode = int

const (
	CloseUnknownOpcode         VoiceCloseEventCode = 4001
	CloseFailedToDecode        VoiceCloseEventCode = 4002
	CloseNotAuthenticated      VoiceCloseEventCode = 4003
	CloseAuthenticationFailed  VoiceCloseEventCode = 4004
	CloseAlreadyAuthenticated  VoiceCloseEventCode = 4005
	CloseSessionNoLongerValid  VoiceCloseEventCode = 4006
	CloseSessionTimeout        VoiceCloseEventCode = 4009
	CloseServerNotFound        VoiceCloseEventCode = 4011
	CloseUnknownProtocol       VoiceCloseEventCode = 4012
	CloseDisconnected          VoiceCloseEventCode = 4014
	CloseVoiceServerCrashed    VoiceCloseEventCode = 4015
	CloseUnknownEncryptionMode VoiceCloseEventCode = 4016
)

// Status is the voice session state, observable through StateUpdate
// events on the session's dispatcher.
type Status = string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusNegotiating  Status = "NEGOTIATING"
	StatusResuming     Status = "RESUMING"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
)

// EventNameStateUpdate is published whenever the voice session's state
// changes.
const EventNameStateUpdate = "VOICE_STATE_UPDATE"

type StateUpdate struct {
	Status Status
	Err    error
}

var (
	ErrAuthenticationFailed = errors.New("the voice server rejected the session token")
	ErrSessionInvalid       = errors.New("the voice session is no longer valid")
	ErrDisconnected         = errors.New("disconnected from the voice channel by the server")
	ErrServerCrashed        = errors.New("the voice server crashed")
	ErrNegotiation          = errors.New("voice connection negotiation failed")
	ErrProtocol             = errors.New("received a malformed or unexpected voice gateway frame")
	ErrNotConnected         = errors.New("the voice session is not connected")
	ErrAlreadyOpen          = errors.New("the voice session is already open")
	ErrHelloTimeout         = errors.New("timed out waiting for the voice hello frame")
	ErrUnknown              = errors.New("the voice gateway closed with an unknown error")
)

func closeCodeError(code int) error {
	switch code {
	case CloseAuthenticationFailed, CloseNotAuthenticated:
		return ErrAuthenticationFailed
	case CloseSessionNoLongerValid, CloseSessionTimeout:
		return ErrSessionInvalid
	case CloseDisconnected:
		return ErrDisconnected
	case CloseVoiceServerCrashed:
		return ErrServerCrashed
	case CloseServerNotFound, CloseUnknownProtocol, CloseUnknownEncryptionMode:
		return ErrNegotiation
	default:
		return ErrUnknown
	}
}

// isFatalClose reports whether a close code ends this voice session for
// good. Being disconnected from the channel is terminal here: rejoining
// is a new session, started over the main gateway.
func isFatalClose(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseServerNotFound, CloseUnknownProtocol,
		CloseDisconnected, CloseUnknownEncryptionMode:
		return true
	}
	return false
}

// isResumableClose reports whether the session credentials survive the
// disconnect. A crashed voice server keeps them; an invalidated or timed
// out session needs a fresh identify.
func isResumableClose(code int) bool {
	switch code {
	case CloseSessionNoLongerValid, CloseSessionTimeout, CloseNotAuthenticated:
		return false
	}
	return true
}
