package voice

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// heartbeatMonitor beats the voice gateway on its own timer. Same
// liveness rule as the main gateway: an acknowledgement still pending
// when the next beat is due marks the connection dead.
type heartbeatMonitor struct {
	interval time.Duration
	comm     chan VoiceOpcode
	send     func() error
	dead     func(err error)
	log      *slog.Logger
}

func newHeartbeatMonitor(interval time.Duration, send func() error, dead func(err error), log *slog.Logger) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		comm:     make(chan VoiceOpcode, 32),
		send:     send,
		dead:     dead,
		log:      log,
	}
}

// notify is called by the read loop and never blocks it.
func (hm *heartbeatMonitor) notify(op VoiceOpcode) {
	select {
	case hm.comm <- op:
	default:
	}
}

func (hm *heartbeatMonitor) run(ctx context.Context) {
	firstBeat := time.Duration(rand.Float64() * float64(hm.interval))
	timer := time.NewTimer(firstBeat)
	defer timer.Stop()

	ackPending := false

	beat := func() bool {
		if err := hm.send(); err != nil {
			hm.log.Warn("failed to send voice heartbeat", "error", err)
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
			hm.log.Debug("voice heartbeat monitor stopped")
			return
		case op := <-hm.comm:
			switch op {
			case OpcodeHeartbeatAck:
				ackPending = false
			case OpcodeHeartbeat:
				if !beat() {
					return
				}
			}
		case <-timer.C:
			if ackPending {
				hm.log.Warn("voice heartbeat ack still pending at next beat, connection considered dead")
				hm.dead(ErrProtocol)
				return
			}
			if !beat() {
				return
			}
		}
	}
}
