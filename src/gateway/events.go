package gateway

import "errors"

// https://discord.com/developers/docs/events/gateway#message-content-intent
type GatewayIntent = int

var (
	GuildsIntent               GatewayIntent = 1 << 0
	GuildMembersIntent         GatewayIntent = 1 << 1
	GuildModerationIntent      GatewayIntent = 1 << 2
	GuildVoiceStatesIntent     GatewayIntent = 1 << 7
	GuildPresencesIntent       GatewayIntent = 1 << 8
	GuildMessagesIntent        GatewayIntent = 1 << 9
	GuildMessageReactionIntent GatewayIntent = 1 << 10
	DirectMessageIntent        GatewayIntent = 1 << 12
	MessageContentIntent       GatewayIntent = 1 << 15
)

type GatewayOpcode = int

const (
	OpcodeDispatch            GatewayOpcode = 0
	OpcodeHeartbeat           GatewayOpcode = 1
	OpcodeIdentify            GatewayOpcode = 2
	OpcodePresenceUpdate      GatewayOpcode = 3
	OpcodeVoiceStateUpdate    GatewayOpcode = 4
	OpcodeResume              GatewayOpcode = 6
	OpcodeReconnect           GatewayOpcode = 7
	OpcodeRequestGuildMembers GatewayOpcode = 8
	OpcodeInvalidSession      GatewayOpcode = 9
	OpcodeHello               GatewayOpcode = 10
	OpcodeHeartbeatAck        GatewayOpcode = 11
)

type GatewayCloseEventCode = int

const (
	CloseUnknownError         GatewayCloseEventCode = 4000
	CloseUnknownOpcode        GatewayCloseEventCode = 4001
	CloseDecodeError          GatewayCloseEventCode = 4002
	CloseNotAuthenticated     GatewayCloseEventCode = 4003
	CloseAuthenticationFailed GatewayCloseEventCode = 4004
	CloseAlreadyAuthenticated GatewayCloseEventCode = 4005
	CloseInvalidSeq           GatewayCloseEventCode = 4007
	CloseRateLimited          GatewayCloseEventCode = 4008
	CloseSessionTimedOut      GatewayCloseEventCode = 4009
	CloseInvalidShard         GatewayCloseEventCode = 4010
	CloseShardingRequired     GatewayCloseEventCode = 4011
	CloseInvalidAPIVersion    GatewayCloseEventCode = 4012
	CloseInvalidIntents       GatewayCloseEventCode = 4013
	CloseDisallowedIntents    GatewayCloseEventCode = 4014
)

// Status is the gateway session state. Transitions are driven only by the
// session itself; callers observe them through StateUpdate events.
type Status = string

const (
	StatusDisconnected  Status = "DISCONNECTED"
	StatusConnecting    Status = "CONNECTING"
	StatusAwaitingHello Status = "AWAITING_HELLO"
	StatusIdentifying   Status = "IDENTIFYING"
	StatusResuming      Status = "RESUMING"
	StatusConnected     Status = "CONNECTED"
	StatusReconnecting  Status = "RECONNECTING"
)

// EventNameStateUpdate is published on the dispatcher whenever the
// session's connected state changes, so callers always see "session is
// down, here's why" and "session is back up".
const EventNameStateUpdate = "GATEWAY_STATE_UPDATE"

type StateUpdate struct {
	Status Status
	Err    error
}

var (
	ErrAuthenticationFailed = errors.New("the account token sent with the identify payload is invalid")
	ErrNotAuthenticated     = errors.New("a payload was sent prior to identifying")
	ErrDisallowedIntents    = errors.New("an intent was specified that has not been enabled or approved")
	ErrDecode               = errors.New("the gateway server could not decode the payload")
	ErrProtocol             = errors.New("received a malformed or unexpected gateway frame")
	ErrNotConnected         = errors.New("the gateway session is not connected")
	ErrAlreadyOpen          = errors.New("the gateway session is already open")
	ErrHelloTimeout         = errors.New("timed out waiting for the gateway hello frame")
	ErrUnknown              = errors.New("the gateway closed with an unknown error")
)

// closeCodeError maps a close code to a sentinel. Fatal errors tear the
// session down for good; everything else feeds the reconnect path.
func closeCodeError(code int) error {
	switch code {
	case CloseAuthenticationFailed:
		return ErrAuthenticationFailed
	case CloseNotAuthenticated:
		return ErrNotAuthenticated
	case CloseDisallowedIntents, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents:
		return ErrDisallowedIntents
	case CloseDecodeError:
		return ErrDecode
	default:
		return ErrUnknown
	}
}

// isFatalClose reports whether a close code invalidates the session
// beyond recovery, meaning no automatic retry.
func isFatalClose(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseNotAuthenticated, CloseDisallowedIntents,
		CloseInvalidShard, CloseShardingRequired, CloseInvalidAPIVersion,
		CloseInvalidIntents:
		return true
	}
	return false
}

// isResumableClose reports whether the stored session may be resumed
// after this close code. Invalid sequence and session timeout require a
// fresh identify.
func isResumableClose(code int) bool {
	switch code {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !isFatalClose(code)
}
