package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/polyphony-chat/chorus/src/structs"
)

const (
	gatewayVersion      = 10
	defaultHelloTimeout = 10 * time.Second
	// Depth of the command queue used while resuming or reconnecting.
	// Overflow drops the oldest queued command.
	commandQueueDepth = 16
	// The gateway allows 120 outbound frames per 60 second window.
	sendWindow = 60 * time.Second
	sendBudget = 120
)

const opNone GatewayOpcode = -1

var (
	errReconnectRequested = errors.New("the server requested a reconnect")
	errInvalidSession     = errors.New("the server invalidated the session")
)

// connection bundles one websocket connection with the cancellation
// scope governing its read loop and heartbeat monitor. Tearing one down
// always stops both together and releases the socket.
type connection struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	wmu      sync.Mutex
	teardown sync.Once
}

func (c *connection) write(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

type GatewayArguments struct {
	BotToken   string
	BotIntents []GatewayIntent

	// GatewayURL overrides the websocket endpoint; defaults to the
	// public gateway.
	GatewayURL string
	// HelloTimeout bounds connection establishment and the
	// Hello/Identify handshake.
	HelloTimeout time.Duration
	Properties   *structs.IdentifyEventProperties

	Logger *slog.Logger
}

// Gateway is the persistent websocket session: it identifies, heartbeats,
// resumes across disconnects and fans dispatched events out to
// subscribers.
type Gateway struct {
	rwlock           sync.RWMutex
	wsDialer         *websocket.Dialer
	wsurl            string
	resumeGatewayURL string
	sessionID        string
	status           Status
	current          *connection
	cmdQueue         [][]byte

	sequence   atomic.Uint64
	dispatcher *EventDispatcher
	// sendLimiter enforces the outbound frame budget for commands;
	// heartbeats bypass it so a command burst can never starve them.
	sendLimiter *rate.Limiter
	backoff     *Backoff
	// reconnectCh feeds the single reconnect loop; teardown signals it
	// instead of spawning retries itself.
	reconnectCh chan struct{}

	botToken     string
	botIntents   int
	properties   structs.IdentifyEventProperties
	helloTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	log *slog.Logger
}

func NewGateway(args GatewayArguments) *Gateway {
	wsurl := args.GatewayURL
	if wsurl == "" {
		u := url.URL{
			Scheme:   "wss",
			Host:     "gateway.discord.gg",
			RawQuery: fmt.Sprintf("v=%v&encoding=json", gatewayVersion),
		}
		wsurl = u.String()
	}
	helloTimeout := args.HelloTimeout
	if helloTimeout == 0 {
		helloTimeout = defaultHelloTimeout
	}
	properties := structs.IdentifyEventProperties{
		Os:      "linux",
		Browser: "chorus",
		Device:  "chorus",
	}
	if args.Properties != nil {
		properties = *args.Properties
	}
	log := args.Logger
	if log == nil {
		log = slog.Default()
	}

	intents := 0
	for _, v := range args.BotIntents {
		intents |= v
	}

	return &Gateway{
		wsDialer:     websocket.DefaultDialer,
		wsurl:        wsurl,
		status:       StatusDisconnected,
		dispatcher:   NewEventDispatcher(log),
		sendLimiter:  rate.NewLimiter(rate.Every(sendWindow/sendBudget), sendBudget),
		backoff:      NewBackoff(),
		reconnectCh:  make(chan struct{}, 1),
		botToken:     args.BotToken,
		botIntents:   intents,
		properties:   properties,
		helloTimeout: helloTimeout,
		log:          log,
	}
}

// Open dials the gateway and performs the Hello/Identify handshake. It
// returns once the session reaches Connected, or with the fatal error
// that prevented it.
func (g *Gateway) Open(ctx context.Context) error {
	g.rwlock.Lock()
	if g.status != StatusDisconnected || g.ctx != nil {
		g.rwlock.Unlock()
		return ErrAlreadyOpen
	}
	g.rwlock.Unlock()
	g.ctx, g.cancel = context.WithCancel(ctx)
	go g.watchReconnects()
	return g.connect(false)
}

// Close logs the session out for good: the heartbeat monitor and read
// loop are cancelled together and the socket released. A closed gateway
// does not reconnect.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.rwlock.Lock()
	c := g.current
	g.rwlock.Unlock()
	if c != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(time.Second))
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.setStatus(StatusDisconnected, nil)
	g.dispatcher.Close()
	g.log.Info("gateway session closed")
	return nil
}

// Status returns the current session state.
func (g *Gateway) Status() Status {
	g.rwlock.RLock()
	defer g.rwlock.RUnlock()
	return g.status
}

// SessionID returns the session token assigned on Ready, if any.
func (g *Gateway) SessionID() string {
	g.rwlock.RLock()
	defer g.rwlock.RUnlock()
	return g.sessionID
}

// Sequence returns the last dispatch sequence number seen.
func (g *Gateway) Sequence() uint64 {
	return g.sequence.Load()
}

// Dispatcher exposes the event fan-out for subscribing to dispatched
// events and state updates.
func (g *Gateway) Dispatcher() *EventDispatcher {
	return g.dispatcher
}

func (g *Gateway) setStatus(status Status, cause error) {
	g.rwlock.Lock()
	if g.status == status {
		g.rwlock.Unlock()
		return
	}
	g.status = status
	g.rwlock.Unlock()
	g.log.Info("gateway state changed", "status", status, "error", cause)
	g.dispatcher.Publish(EventNameStateUpdate, &StateUpdate{Status: status, Err: cause})
}

// connect performs one full connection attempt: dial, Hello, heartbeat
// start, Identify or Resume, and the wait for Ready/Resumed.
func (g *Gateway) connect(resume bool) error {
	g.setStatus(StatusConnecting, nil)

	dialURL := g.wsurl
	g.rwlock.RLock()
	if resume && g.resumeGatewayURL != "" {
		dialURL = g.resumeGatewayURL
	}
	sessionID := g.sessionID
	g.rwlock.RUnlock()

	conn, _, err := g.wsDialer.DialContext(g.ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	g.setStatus(StatusAwaitingHello, nil)
	_ = conn.SetReadDeadline(time.Now().Add(g.helloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return ErrHelloTimeout
	}
	var hello structs.RawEvent
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Op != OpcodeHello {
		conn.Close()
		return fmt.Errorf("%w: expected hello as the first frame", ErrProtocol)
	}
	var helloD structs.HelloEvent
	if err := json.Unmarshal(hello.D, &helloD); err != nil {
		conn.Close()
		return fmt.Errorf("%w: malformed hello payload", ErrProtocol)
	}
	_ = conn.SetReadDeadline(time.Time{})

	connCtx, connCancel := context.WithCancel(g.ctx)
	c := &connection{conn: conn, cancel: connCancel}
	g.rwlock.Lock()
	g.current = c
	g.rwlock.Unlock()

	// Cancelling the connection scope must also release the socket, so
	// a blocked ReadMessage wakes up.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	interval := time.Duration(helloD.HeartbeatInterval) * time.Millisecond
	hm := newHeartbeatMonitor(interval,
		func(seq uint64) error {
			data, err := json.Marshal(structs.Event{Op: OpcodeHeartbeat, D: seq})
			if err != nil {
				return err
			}
			return c.write(websocket.TextMessage, data)
		},
		func(err error) {
			g.teardown(c, true, err)
		},
		g.log)
	go hm.run(connCtx)

	handshake := make(chan error, 1)

	resuming := resume && sessionID != ""
	if resuming {
		g.setStatus(StatusResuming, nil)
		err = g.writeEvent(c, structs.Event{Op: OpcodeResume, D: structs.ResumeEvent{
			Token:     g.botToken,
			SessionID: sessionID,
			Seq:       g.sequence.Load(),
		}})
	} else {
		g.setStatus(StatusIdentifying, nil)
		// The sequence counter belongs to a session; a fresh identify
		// must not beat with the previous session's number.
		g.sequence.Store(0)
		err = g.writeEvent(c, structs.Event{Op: OpcodeIdentify, D: structs.IdentifyEvent{
			Token:      g.botToken,
			Intents:    g.botIntents,
			Properties: g.properties,
		}})
	}
	if err != nil {
		connCancel()
		return fmt.Errorf("failed to send handshake frame: %w", err)
	}

	go g.listen(connCtx, c, hm, handshake)

	select {
	case err := <-handshake:
		return err
	case <-connCtx.Done():
		return context.Cause(connCtx)
	case <-time.After(g.helloTimeout):
		connCancel()
		return ErrHelloTimeout
	}
}

// listen is the inbound frame read loop for one connection.
func (g *Gateway) listen(ctx context.Context, c *connection, hm *heartbeatMonitor, handshake chan<- error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || g.closed.Load() {
				return
			}
			resumable := true
			cause := err
			if ce, ok := err.(*websocket.CloseError); ok {
				cause = closeCodeError(ce.Code)
				if isFatalClose(ce.Code) {
					g.fail(c, cause, handshake)
					return
				}
				resumable = isResumableClose(ce.Code)
			}
			g.teardown(c, resumable, cause)
			return
		}
		g.acceptEvent(c, hm, raw, handshake)
	}
}

func (g *Gateway) acceptEvent(c *connection, hm *heartbeatMonitor, raw []byte, handshake chan<- error) {
	var e structs.RawEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		g.log.Warn("received malformed gateway frame, tearing connection down", "error", err)
		g.teardown(c, false, ErrProtocol)
		return
	}
	if e.S != 0 {
		g.sequence.Store(e.S)
		hm.notify(opNone, e.S, true)
	}
	switch e.Op {
	case OpcodeDispatch:
		g.onDispatch(&e, handshake)
	case OpcodeHeartbeat:
		hm.notify(OpcodeHeartbeat, e.S, e.S != 0)
	case OpcodeHeartbeatAck:
		hm.notify(OpcodeHeartbeatAck, 0, false)
	case OpcodeReconnect:
		g.log.Info("server requested reconnect")
		g.teardown(c, true, errReconnectRequested)
	case OpcodeInvalidSession:
		resumable := false
		if err := json.Unmarshal(e.D, &resumable); err != nil {
			g.log.Warn("failed to parse invalid-session payload, assuming non-resumable")
		}
		g.teardown(c, resumable, errInvalidSession)
	case OpcodeHello:
		g.log.Warn("received hello when it was unexpected")
	default:
		g.log.Warn("received unrecognized gateway op code", "op_code", e.Op)
	}
}

func (g *Gateway) onDispatch(e *structs.RawEvent, handshake chan<- error) {
	switch e.T {
	case structs.EventNameReady:
		ready := structs.ReadyEvent{}
		if err := json.Unmarshal(e.D, &ready); err != nil {
			g.log.Error("failed to parse ready event", "error", err)
			break
		}
		g.rwlock.Lock()
		g.sessionID = ready.SessionID
		g.resumeGatewayURL = resumeURL(ready.ResumeGatewayURL)
		g.rwlock.Unlock()
		g.becomeConnected(handshake)
	case structs.EventNameResumed:
		g.becomeConnected(handshake)
	}
	g.dispatcher.Publish(e.T, e)
}

// becomeConnected moves to the steady state: resets the reconnect
// backoff, flushes commands queued while away and signals the handshake.
func (g *Gateway) becomeConnected(handshake chan<- error) {
	g.rwlock.Lock()
	queued := g.cmdQueue
	g.cmdQueue = nil
	c := g.current
	g.rwlock.Unlock()

	g.backoff.Reset()
	g.setStatus(StatusConnected, nil)
	select {
	case handshake <- nil:
	default:
	}
	for _, data := range queued {
		if err := g.sendLimiter.Wait(g.ctx); err != nil {
			return
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			g.log.Warn("failed to flush queued command", "error", err)
			return
		}
	}
}

// teardown cancels one connection and signals the reconnect loop. Safe
// to call from the read loop and the heartbeat monitor; only the first
// caller wins, and a connection that dies while a retry is already in
// flight never starts a second loop.
func (g *Gateway) teardown(c *connection, resumable bool, cause error) {
	c.teardown.Do(func() {
		c.cancel()
		if g.closed.Load() || g.ctx.Err() != nil {
			return
		}
		if !resumable {
			g.rwlock.Lock()
			g.sessionID = ""
			g.resumeGatewayURL = ""
			g.rwlock.Unlock()
		}
		g.setStatus(StatusReconnecting, cause)
		select {
		case g.reconnectCh <- struct{}{}:
		default:
		}
	})
}

// fail moves the session to terminal Disconnected with no retry.
func (g *Gateway) fail(c *connection, cause error, handshake chan<- error) {
	c.teardown.Do(func() {
		c.cancel()
		g.rwlock.Lock()
		g.sessionID = ""
		g.resumeGatewayURL = ""
		g.rwlock.Unlock()
		g.setStatus(StatusDisconnected, cause)
		select {
		case handshake <- cause:
		default:
		}
	})
}

// watchReconnects owns every reconnect for the session's lifetime. All
// retrying runs on this one goroutine, so however many connections die
// mid-handshake there is never more than one dial in flight.
func (g *Gateway) watchReconnects() {
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.reconnectCh:
		}
		// A buffered signal can outlive the disconnect that sent it
		// when a retry was already running; the status says whether
		// there is still anything to do.
		if g.Status() != StatusReconnecting {
			continue
		}
		g.reconnect()
	}
}

// reconnect retries connecting with bounded exponential backoff until it
// succeeds, hits a fatal error or the session is closed.
func (g *Gateway) reconnect() {
	for {
		delay := g.backoff.Next()
		g.log.Info("attempting gateway reconnect", "delay", delay)
		select {
		case <-g.ctx.Done():
			return
		case <-time.After(delay):
		}
		g.rwlock.RLock()
		resume := g.sessionID != ""
		g.rwlock.RUnlock()
		err := g.connect(resume)
		if err == nil {
			return
		}
		if isFatal(err) {
			// fail already moved the state machine to terminal.
			g.log.Error("gateway reconnect failed fatally", "error", err)
			return
		}
		g.setStatus(StatusReconnecting, err)
		g.log.Warn("gateway reconnect attempt failed", "error", err)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrDisallowedIntents)
}

func (g *Gateway) writeEvent(c *connection, e structs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway event: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

// sendCommand submits an outbound command. Commands are only accepted
// while Connected; during Resuming/Reconnecting they are queued briefly
// and flushed on reaching Connected.
func (g *Gateway) sendCommand(ctx context.Context, op GatewayOpcode, d any) error {
	data, err := json.Marshal(structs.Event{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("failed to marshal gateway command: %w", err)
	}

	g.rwlock.Lock()
	switch g.status {
	case StatusConnected:
		c := g.current
		g.rwlock.Unlock()
		if err := g.sendLimiter.Wait(ctx); err != nil {
			return err
		}
		return c.write(websocket.TextMessage, data)
	case StatusResuming, StatusReconnecting:
		if len(g.cmdQueue) >= commandQueueDepth {
			g.log.Warn("command queue overflow, dropping oldest queued command")
			g.cmdQueue = g.cmdQueue[1:]
		}
		g.cmdQueue = append(g.cmdQueue, data)
		g.rwlock.Unlock()
		return nil
	default:
		g.rwlock.Unlock()
		return ErrNotConnected
	}
}

// UpdatePresence sets the connection's presence/status.
func (g *Gateway) UpdatePresence(ctx context.Context, presence structs.PresenceUpdateEvent) error {
	return g.sendCommand(ctx, OpcodePresenceUpdate, presence)
}

// RequestGuildMembers asks the server to send Guild Members Chunk
// dispatches for a guild.
func (g *Gateway) RequestGuildMembers(ctx context.Context, req structs.RequestGuildMembersEvent) error {
	return g.sendCommand(ctx, OpcodeRequestGuildMembers, req)
}

// UpdateVoiceState joins, moves or leaves a voice channel. The server
// answers with VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE dispatches,
// which carry what a voice session needs to start.
func (g *Gateway) UpdateVoiceState(ctx context.Context, state structs.UpdateVoiceStateEvent) error {
	return g.sendCommand(ctx, OpcodeVoiceStateUpdate, state)
}

// resumeURL rebuilds the server-provided resume endpoint with our
// version and encoding query.
func resumeURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u := url.URL{
		Scheme:   parsed.Scheme,
		Host:     parsed.Host,
		RawQuery: fmt.Sprintf("v=%v&encoding=json", gatewayVersion),
	}
	return u.String()
}
