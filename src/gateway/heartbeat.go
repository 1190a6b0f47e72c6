package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// heartbeatComm carries sequence updates, server heartbeat requests and
// acknowledgements from the read loop to the heartbeat monitor.
type heartbeatComm struct {
	op     GatewayOpcode
	seq    uint64
	hasSeq bool
}

// heartbeatMonitor beats on its own timer, independent of inbound frame
// processing. An acknowledgement still pending when the next beat is due
// marks the connection dead.
type heartbeatMonitor struct {
	interval time.Duration
	comm     chan heartbeatComm
	send     func(seq uint64) error
	dead     func(err error)
	log      *slog.Logger
}

func newHeartbeatMonitor(interval time.Duration, send func(seq uint64) error, dead func(err error), log *slog.Logger) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		comm:     make(chan heartbeatComm, 32),
		send:     send,
		dead:     dead,
		log:      log,
	}
}

// notify is called by the read loop. It never blocks it; the comm buffer
// is large enough that overflow means the monitor is already gone.
func (hm *heartbeatMonitor) notify(op GatewayOpcode, seq uint64, hasSeq bool) {
	select {
	case hm.comm <- heartbeatComm{op: op, seq: seq, hasSeq: hasSeq}:
	default:
	}
}

// run drives the beat timer until ctx is cancelled. The very first beat
// fires after a random fraction of the interval so many sessions started
// together do not beat in lockstep.
func (hm *heartbeatMonitor) run(ctx context.Context) {
	firstBeat := time.Duration(rand.Float64() * float64(hm.interval))
	timer := time.NewTimer(firstBeat)
	defer timer.Stop()

	var seq uint64
	ackPending := false

	beat := func() bool {
		if err := hm.send(seq); err != nil {
			hm.log.Warn("failed to send heartbeat", "error", err)
			hm.dead(err)
			return false
		}
		ackPending = true
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(hm.interval)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			hm.log.Debug("heartbeat monitor stopped")
			return
		case c := <-hm.comm:
			if c.hasSeq {
				seq = c.seq
			}
			switch c.op {
			case OpcodeHeartbeatAck:
				ackPending = false
			case OpcodeHeartbeat:
				// The server asked for an immediate beat.
				if !beat() {
					return
				}
			}
		case <-timer.C:
			if ackPending {
				hm.log.Warn("heartbeat ack still pending at next beat, connection considered dead")
				hm.dead(ErrProtocol)
				return
			}
			if !beat() {
				return
			}
		}
	}
}
