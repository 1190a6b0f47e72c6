package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// RTP header: version/flags, payload type, sequence, timestamp, SSRC.
	rtpHeaderSize   = 12
	rtpVersionFlags = 0x80
	rtpPayloadType  = 0x78

	// IP discovery datagrams are a fixed 74 bytes: type, length (70),
	// SSRC, a 64 byte address field and the port.
	ipDiscoverySize     = 74
	ipDiscoveryRequest  = 0x1
	ipDiscoveryResponse = 0x2

	discoveryTimeout = 5 * time.Second
	maxDatagramSize  = 1500
	recvQueueDepth   = 64
)

var (
	ErrDiscoveryFailed = errors.New("ip discovery against the voice server failed")
	ErrNotSecured      = errors.New("no secret key has been negotiated for this transport yet")
)

// Packet is one inbound audio frame after decryption, together with the
// RTP metadata the caller needs to reorder or discard late arrivals.
type Packet struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Payload   []byte
}

// UDPConnection is the voice media transport: IP discovery, RTP framing
// and payload encryption over one UDP socket.
type UDPConnection struct {
	udpConn *net.UDPConn
	ssrc    uint32
	log     *slog.Logger

	// sendMu serializes outbound framing so the sequence number
	// advances by exactly 1 per packet.
	sendMu    sync.Mutex
	sequence  uint16
	timestamp uint32

	cryptorMu sync.RWMutex
	cryptor   *cryptor

	recv    chan *Packet
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// OpenUDPConnection dials the voice server's UDP endpoint. The transport
// is not usable for media until Secure has installed the session key.
func OpenUDPConnection(ctx context.Context, ip string, port uint16, ssrc uint32, log *slog.Logger) (*UDPConnection, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voice server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial voice server: %w", err)
	}
	udpCtx, cancel := context.WithCancel(ctx)
	u := &UDPConnection{
		udpConn: conn,
		ssrc:    ssrc,
		log:     log,
		recv:    make(chan *Packet, recvQueueDepth),
		ctx:     udpCtx,
		cancel:  cancel,
	}
	go func() {
		<-udpCtx.Done()
		conn.Close()
	}()
	return u, nil
}

// Discover sends the IP discovery datagram and returns the externally
// visible address and port, which SelectProtocol reports to the server.
func (u *UDPConnection) Discover() (string, uint16, error) {
	packet := make([]byte, 0, ipDiscoverySize)
	packet = binary.BigEndian.AppendUint16(packet, ipDiscoveryRequest)
	packet = binary.BigEndian.AppendUint16(packet, 70)
	packet = binary.BigEndian.AppendUint32(packet, u.ssrc)
	packet = append(packet, make([]byte, 64)...)
	packet = binary.BigEndian.AppendUint16(packet, 0)

	if _, err := u.udpConn.Write(packet); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	buf := make([]byte, ipDiscoverySize)
	_ = u.udpConn.SetReadDeadline(time.Now().Add(discoveryTimeout))
	defer u.udpConn.SetReadDeadline(time.Time{})
	n, err := u.udpConn.Read(buf)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	if n < ipDiscoverySize || binary.BigEndian.Uint16(buf[0:2]) != ipDiscoveryResponse {
		return "", 0, ErrDiscoveryFailed
	}

	address := buf[8 : ipDiscoverySize-2]
	if i := indexNull(address); i >= 0 {
		address = address[:i]
	}
	port := binary.BigEndian.Uint16(buf[ipDiscoverySize-2:])
	return string(address), port, nil
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Secure installs the negotiated encryption mode and key and starts the
// inbound listen loop.
func (u *UDPConnection) Secure(mode EncryptionMode, secretKey [32]byte) error {
	c, err := newCryptor(mode, secretKey)
	if err != nil {
		return err
	}
	u.cryptorMu.Lock()
	started := u.cryptor != nil
	u.cryptor = c
	u.cryptorMu.Unlock()
	if !started {
		go u.listen()
	}
	return nil
}

// Send wraps one opaque encoded audio frame in an RTP header, encrypts
// it and writes it as a single datagram. The sequence number advances by
// exactly 1 and wraps via unsigned overflow; the timestamp advances by
// the frame's sample count.
func (u *UDPConnection) Send(frame []byte, samples uint32) error {
	u.cryptorMu.RLock()
	c := u.cryptor
	u.cryptorMu.RUnlock()
	if c == nil {
		return ErrNotSecured
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	u.sequence++
	u.timestamp += samples

	header := make([]byte, rtpHeaderSize)
	header[0] = rtpVersionFlags
	header[1] = rtpPayloadType
	binary.BigEndian.PutUint16(header[2:], u.sequence)
	binary.BigEndian.PutUint32(header[4:], u.timestamp)
	binary.BigEndian.PutUint32(header[8:], u.ssrc)

	packet, err := c.encrypt(header, frame)
	if err != nil {
		return err
	}
	if _, err := u.udpConn.Write(packet); err != nil {
		return fmt.Errorf("failed to write rtp packet: %w", err)
	}
	return nil
}

// Receive returns the channel of decrypted inbound audio frames. The
// channel closes when the transport does.
func (u *UDPConnection) Receive() <-chan *Packet {
	return u.recv
}

// Dropped reports how many inbound packets were discarded because they
// were corrupt, undecryptable or arrived faster than the consumer.
func (u *UDPConnection) Dropped() uint64 {
	return u.dropped.Load()
}

// listen reads datagrams, parses the RTP header, decrypts and forwards.
// Bad packets are dropped and counted, never fatal.
func (u *UDPConnection) listen() {
	defer close(u.recv)
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := u.udpConn.Read(buf)
		if err != nil {
			if u.ctx.Err() != nil {
				return
			}
			u.log.Warn("voice udp socket is broken, stopping transport", "error", err)
			u.Close()
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		u.handlePacket(packet)
	}
}

func (u *UDPConnection) handlePacket(packet []byte) {
	if len(packet) < rtpHeaderSize || packet[0]&0xC0 != rtpVersionFlags {
		u.dropped.Add(1)
		return
	}
	u.cryptorMu.RLock()
	c := u.cryptor
	u.cryptorMu.RUnlock()
	if c == nil {
		u.dropped.Add(1)
		return
	}
	plain, err := c.decrypt(packet)
	if err != nil {
		u.dropped.Add(1)
		u.log.Debug("dropping undecryptable voice packet")
		return
	}
	p := &Packet{
		SSRC:      binary.BigEndian.Uint32(packet[8:12]),
		Sequence:  binary.BigEndian.Uint16(packet[2:4]),
		Timestamp: binary.BigEndian.Uint32(packet[4:8]),
		Payload:   plain,
	}
	select {
	case u.recv <- p:
	default:
		// Real-time media: a slow consumer loses packets rather than
		// backpressuring the socket.
		u.dropped.Add(1)
	}
}

// Close releases the socket and stops the listen loop.
func (u *UDPConnection) Close() error {
	u.once.Do(u.cancel)
	return nil
}
