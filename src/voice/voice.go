package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyphony-chat/chorus/src/gateway"
	"github.com/polyphony-chat/chorus/src/structs"
)

const (
	voiceGatewayVersion = 8
	defaultHelloTimeout = 10 * time.Second
)

// rawFrame is one inbound voice gateway frame before the payload is
// decoded per opcode.
type rawFrame struct {
	Op  VoiceOpcode     `json:"op"`
	D   json.RawMessage `json:"d"`
	Seq uint64          `json:"seq,omitempty"`
}

type outFrame struct {
	Op VoiceOpcode `json:"op"`
	D  any         `json:"d"`
}

// connection bundles one voice websocket with the cancellation scope
// governing its read loop and heartbeat. Same teardown discipline as the
// main gateway: the first failure wins and stops everything together.
type connection struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	wmu      sync.Mutex
	teardown sync.Once
}

func (c *connection) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// VoiceGatewayArguments carries the credentials a voice session needs.
// SessionID comes from the main gateway's VOICE_STATE_UPDATE dispatch;
// Token and Endpoint from VOICE_SERVER_UPDATE.
type VoiceGatewayArguments struct {
	ServerID  string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string

	HelloTimeout time.Duration
	Logger       *slog.Logger
}

// VoiceGateway is a voice session: the signaling websocket plus the UDP
// media transport it negotiates. One instance serves one server.
type VoiceGateway struct {
	rwlock  sync.RWMutex
	status  Status
	current *connection
	udp     *UDPConnection
	ssrc    uint32
	mode    EncryptionMode

	wsDialer   *websocket.Dialer
	dispatcher *gateway.EventDispatcher
	backoff    *gateway.Backoff
	seq        atomic.Uint64
	// reconnectCh feeds the single reconnect loop; resumeNext carries
	// whether the next attempt may resume.
	reconnectCh chan struct{}
	resumeNext  atomic.Bool

	serverID     string
	userID       string
	sessionID    string
	token        string
	endpoint     string
	helloTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	log *slog.Logger
}

func NewVoiceGateway(args VoiceGatewayArguments) *VoiceGateway {
	helloTimeout := args.HelloTimeout
	if helloTimeout == 0 {
		helloTimeout = defaultHelloTimeout
	}
	log := args.Logger
	if log == nil {
		log = slog.Default()
	}
	return &VoiceGateway{
		status:       StatusDisconnected,
		wsDialer:     websocket.DefaultDialer,
		dispatcher:   gateway.NewEventDispatcher(log),
		backoff:      gateway.NewBackoff(),
		reconnectCh:  make(chan struct{}, 1),
		serverID:     args.ServerID,
		userID:       args.UserID,
		sessionID:    args.SessionID,
		token:        args.Token,
		endpoint:     args.Endpoint,
		helloTimeout: helloTimeout,
		log:          log,
	}
}

// Open dials the voice gateway and negotiates the media transport end to
// end: Identify, Ready, IP discovery, SelectProtocol and the session
// key. It returns once media can flow, or with the error that stopped
// negotiation.
func (v *VoiceGateway) Open(ctx context.Context) error {
	v.rwlock.Lock()
	if v.status != StatusDisconnected || v.ctx != nil {
		v.rwlock.Unlock()
		return ErrAlreadyOpen
	}
	v.rwlock.Unlock()
	v.ctx, v.cancel = context.WithCancel(ctx)
	go v.watchReconnects()
	return v.connect(false)
}

// Close ends the voice session for good: signaling, heartbeat and the
// media transport all stop together.
func (v *VoiceGateway) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	v.rwlock.Lock()
	c := v.current
	udp := v.udp
	v.rwlock.Unlock()
	if c != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(time.Second))
	}
	if udp != nil {
		_ = udp.Close()
	}
	if v.cancel != nil {
		v.cancel()
	}
	v.setStatus(StatusDisconnected, nil)
	v.dispatcher.Close()
	v.log.Info("voice session closed", "server_id", v.serverID)
	return nil
}

// Status returns the current session state.
func (v *VoiceGateway) Status() Status {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.status
}

// SSRC returns the synchronization source assigned on Ready.
func (v *VoiceGateway) SSRC() uint32 {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.ssrc
}

// Mode returns the negotiated encryption mode.
func (v *VoiceGateway) Mode() EncryptionMode {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	return v.mode
}

// Dispatcher exposes the session's state updates for subscribing.
func (v *VoiceGateway) Dispatcher() *gateway.EventDispatcher {
	return v.dispatcher
}

func (v *VoiceGateway) setStatus(status Status, cause error) {
	v.rwlock.Lock()
	if v.status == status {
		v.rwlock.Unlock()
		return
	}
	v.status = status
	v.rwlock.Unlock()
	v.log.Info("voice state changed", "server_id", v.serverID, "status", status, "error", cause)
	v.dispatcher.Publish(EventNameStateUpdate, &StateUpdate{Status: status, Err: cause})
}

// connect performs one full attempt: dial, Hello, heartbeat start, then
// either the full Identify negotiation or a Resume.
func (v *VoiceGateway) connect(resume bool) error {
	v.setStatus(StatusConnecting, nil)

	conn, _, err := v.wsDialer.DialContext(v.ctx, voiceURL(v.endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to dial voice gateway: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(v.helloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return ErrHelloTimeout
	}
	var hello rawFrame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Op != OpcodeHello {
		conn.Close()
		return fmt.Errorf("%w: expected hello as the first frame", ErrProtocol)
	}
	var helloD structs.VoiceHello
	if err := json.Unmarshal(hello.D, &helloD); err != nil {
		conn.Close()
		return fmt.Errorf("%w: malformed hello payload", ErrProtocol)
	}
	_ = conn.SetReadDeadline(time.Time{})

	connCtx, connCancel := context.WithCancel(v.ctx)
	c := &connection{conn: conn, cancel: connCancel}
	v.rwlock.Lock()
	v.current = c
	v.rwlock.Unlock()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	interval := time.Duration(helloD.HeartbeatInterval) * time.Millisecond
	hm := newHeartbeatMonitor(interval,
		func() error {
			return v.writeFrame(c, outFrame{Op: OpcodeHeartbeat, D: structs.VoiceHeartbeat{
				T:      time.Now().UnixMilli(),
				SeqAck: v.seq.Load(),
			}})
		},
		func(err error) {
			v.teardown(c, true, err)
		},
		v.log)
	go hm.run(connCtx)

	if resume {
		v.setStatus(StatusResuming, nil)
		err = v.writeFrame(c, outFrame{Op: OpcodeResume, D: structs.VoiceResume{
			ServerID:  v.serverID,
			SessionID: v.sessionID,
			Token:     v.token,
			SeqAck:    v.seq.Load(),
		}})
	} else {
		v.setStatus(StatusNegotiating, nil)
		// The frame sequence belongs to a session; a fresh identify
		// must not acknowledge the previous session's frames.
		v.seq.Store(0)
		err = v.writeFrame(c, outFrame{Op: OpcodeIdentify, D: structs.VoiceIdentify{
			ServerID:  v.serverID,
			UserID:    v.userID,
			SessionID: v.sessionID,
			Token:     v.token,
		}})
	}
	if err != nil {
		connCancel()
		return fmt.Errorf("failed to send voice handshake frame: %w", err)
	}

	handshake := make(chan error, 1)
	go v.listen(connCtx, c, hm, handshake)

	select {
	case err := <-handshake:
		return err
	case <-connCtx.Done():
		return context.Cause(connCtx)
	case <-time.After(v.helloTimeout):
		connCancel()
		return fmt.Errorf("%w: handshake did not complete", ErrHelloTimeout)
	}
}

// listen is the inbound frame read loop for one signaling connection.
func (v *VoiceGateway) listen(ctx context.Context, c *connection, hm *heartbeatMonitor, handshake chan<- error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || v.closed.Load() {
				return
			}
			resumable := true
			cause := err
			if ce, ok := err.(*websocket.CloseError); ok {
				cause = closeCodeError(ce.Code)
				if isFatalClose(ce.Code) {
					v.fail(c, cause, handshake)
					return
				}
				resumable = isResumableClose(ce.Code)
			}
			v.teardown(c, resumable, cause)
			return
		}
		v.acceptFrame(c, hm, raw, handshake)
	}
}

func (v *VoiceGateway) acceptFrame(c *connection, hm *heartbeatMonitor, raw []byte, handshake chan<- error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		v.log.Warn("received malformed voice frame, tearing connection down", "error", err)
		v.teardown(c, false, ErrProtocol)
		return
	}
	if f.Seq != 0 {
		v.seq.Store(f.Seq)
	}
	switch f.Op {
	case OpcodeReady:
		if err := v.onReady(c, f.D); err != nil {
			v.log.Error("voice negotiation failed", "error", err)
			v.fail(c, err, handshake)
		}
	case OpcodeSessionDescription:
		if err := v.onSessionDescription(f.D); err != nil {
			v.log.Error("failed to install voice session key", "error", err)
			v.fail(c, err, handshake)
			return
		}
		v.becomeConnected(handshake)
	case OpcodeResumed:
		v.becomeConnected(handshake)
	case OpcodeHeartbeat:
		hm.notify(OpcodeHeartbeat)
	case OpcodeHeartbeatAck:
		hm.notify(OpcodeHeartbeatAck)
	case OpcodeSpeaking:
		// Another participant's speaking state; forwarded for callers
		// that map SSRCs to users.
		v.dispatcher.Publish("VOICE_SPEAKING", &f)
	case OpcodeHello:
		v.log.Warn("received hello when it was unexpected")
	default:
		v.log.Warn("received unrecognized voice op code", "op_code", f.Op)
	}
}

// onReady opens the media transport and declares our protocol choice:
// discover the external address, pick an encryption mode both sides
// support, and send SelectProtocol.
func (v *VoiceGateway) onReady(c *connection, d json.RawMessage) error {
	var ready structs.VoiceReady
	if err := json.Unmarshal(d, &ready); err != nil {
		return fmt.Errorf("%w: malformed ready payload", ErrProtocol)
	}

	mode, err := SelectMode(ready.Modes)
	if err != nil {
		return err
	}

	udp, err := OpenUDPConnection(v.ctx, ready.IP, ready.Port, ready.SSRC, v.log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	address, port, err := udp.Discover()
	if err != nil {
		udp.Close()
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	v.log.Debug("voice ip discovery complete", "address", address, "port", port)

	v.rwlock.Lock()
	if v.udp != nil {
		v.udp.Close()
	}
	v.udp = udp
	v.ssrc = ready.SSRC
	v.mode = mode
	v.rwlock.Unlock()

	return v.writeFrame(c, outFrame{Op: OpcodeSelectProtocol, D: structs.SelectProtocol{
		Protocol: "udp",
		Data: structs.SelectProtocolData{
			Address: address,
			Port:    port,
			Mode:    mode,
		},
	}})
}

// onSessionDescription installs the session key on the media transport,
// which arms encryption and starts the inbound listen loop.
func (v *VoiceGateway) onSessionDescription(d json.RawMessage) error {
	var desc structs.SessionDescription
	if err := json.Unmarshal(d, &desc); err != nil {
		return fmt.Errorf("%w: malformed session description", ErrProtocol)
	}
	v.rwlock.RLock()
	udp := v.udp
	v.rwlock.RUnlock()
	if udp == nil {
		return fmt.Errorf("%w: session description before ready", ErrProtocol)
	}
	v.rwlock.Lock()
	v.mode = desc.Mode
	v.rwlock.Unlock()
	return udp.Secure(desc.Mode, desc.SecretKey)
}

func (v *VoiceGateway) becomeConnected(handshake chan<- error) {
	v.backoff.Reset()
	v.setStatus(StatusConnected, nil)
	select {
	case handshake <- nil:
	default:
	}
}

// teardown cancels one signaling connection and signals the reconnect
// loop. The UDP transport survives a resumable disconnect: the session
// key stays valid across a Resume. A connection that dies while a retry
// is already in flight never starts a second loop.
func (v *VoiceGateway) teardown(c *connection, resumable bool, cause error) {
	c.teardown.Do(func() {
		c.cancel()
		if v.closed.Load() || v.ctx.Err() != nil {
			return
		}
		if !resumable {
			v.rwlock.Lock()
			if v.udp != nil {
				v.udp.Close()
				v.udp = nil
			}
			v.rwlock.Unlock()
		}
		v.resumeNext.Store(resumable)
		v.setStatus(StatusReconnecting, cause)
		select {
		case v.reconnectCh <- struct{}{}:
		default:
		}
	})
}

// fail moves the session to terminal Disconnected with no retry.
func (v *VoiceGateway) fail(c *connection, cause error, handshake chan<- error) {
	c.teardown.Do(func() {
		c.cancel()
		v.rwlock.Lock()
		if v.udp != nil {
			v.udp.Close()
			v.udp = nil
		}
		v.rwlock.Unlock()
		v.setStatus(StatusDisconnected, cause)
		select {
		case handshake <- cause:
		default:
		}
	})
}

// watchReconnects owns every reconnect for the session's lifetime, so
// however many signaling connections die mid-handshake there is never
// more than one dial in flight.
func (v *VoiceGateway) watchReconnects() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.reconnectCh:
		}
		// A buffered signal can outlive the disconnect that sent it
		// when a retry was already running.
		if v.Status() != StatusReconnecting {
			continue
		}
		v.reconnect(v.resumeNext.Load())
	}
}

// reconnect retries with bounded exponential backoff. A resumable
// disconnect tries Resume first; after an invalidated session the whole
// negotiation starts over.
func (v *VoiceGateway) reconnect(resume bool) {
	for {
		delay := v.backoff.Next()
		v.log.Info("attempting voice reconnect", "server_id", v.serverID, "delay", delay, "resume", resume)
		select {
		case <-v.ctx.Done():
			return
		case <-time.After(delay):
		}
		err := v.connect(resume)
		if err == nil {
			return
		}
		if isFatalErr(err) {
			v.log.Error("voice reconnect failed fatally", "error", err)
			return
		}
		// A failed resume falls back to a fresh identify.
		resume = false
		v.setStatus(StatusReconnecting, err)
		v.log.Warn("voice reconnect attempt failed", "error", err)
	}
}

func isFatalErr(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrUnsupportedEncryptionMode) ||
		errors.Is(err, ErrNegotiation)
}

func (v *VoiceGateway) writeFrame(c *connection, f outFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal voice frame: %w", err)
	}
	return c.write(data)
}

// SetSpeaking declares our speaking state. The server requires it before
// any media is sent.
func (v *VoiceGateway) SetSpeaking(speaking bool) error {
	v.rwlock.RLock()
	c := v.current
	ssrc := v.ssrc
	status := v.status
	v.rwlock.RUnlock()
	if status != StatusConnected || c == nil {
		return ErrNotConnected
	}
	var flags uint
	if speaking {
		flags = 1
	}
	return v.writeFrame(c, outFrame{Op: OpcodeSpeaking, D: structs.Speaking{
		Speaking: flags,
		Delay:    0,
		SSRC:     ssrc,
	}})
}

// Send transmits one encoded audio frame over the media transport.
func (v *VoiceGateway) Send(frame []byte, samples uint32) error {
	v.rwlock.RLock()
	udp := v.udp
	status := v.status
	v.rwlock.RUnlock()
	if status != StatusConnected || udp == nil {
		return ErrNotConnected
	}
	return udp.Send(frame, samples)
}

// Receive returns the inbound media channel, or nil if the transport is
// not up yet.
func (v *VoiceGateway) Receive() <-chan *Packet {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	if v.udp == nil {
		return nil
	}
	return v.udp.Receive()
}

// voiceURL builds the signaling endpoint URL from the host the main
// gateway handed us in VOICE_SERVER_UPDATE.
func voiceURL(endpoint string) string {
	host := strings.TrimPrefix(endpoint, "wss://")
	host = strings.TrimSuffix(host, ":80")
	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		RawQuery: fmt.Sprintf("v=%v", voiceGatewayVersion),
	}
	return u.String()
}
