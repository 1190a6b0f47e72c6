package structs

// Payloads for the voice signaling gateway. These mirror the voice
// opcode set, which is distinct from the main gateway's.

type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceHello struct {
	HeartbeatInterval uint `json:"heartbeat_interval"`
}

type VoiceHeartbeat struct {
	T      int64  `json:"t"`
	SeqAck uint64 `json:"seq_ack,omitempty"`
}

type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SessionDescription struct {
	AudioCodec     string   `json:"audio_codec,omitempty"`
	MediaSessionID string   `json:"media_session_id,omitempty"`
	Mode           string   `json:"mode"`
	SecretKey      [32]byte `json:"secret_key"`
	VideoCodec     string   `json:"video_codec,omitempty"`
}

type Speaking struct {
	Speaking uint   `json:"speaking"`
	Delay    uint   `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type VoiceResume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    uint64 `json:"seq_ack,omitempty"`
}
