// License: Apache-2.0

package client

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
	pkgerrors "github.com/pkg/errors"
)

// poll runs for the lifetime of the session. Each pass sends the requested
// slots, waits up to one interval for inbound bytes and dispatches exactly
// one frame.
func (a *AFU) poll() {
	defer a.shutdown()

	for {
		if !a.sendRequests() {
			return
		}

		a.conn.SetReadDeadline(time.Now().Add(a.cfg.PollInterval))
		if _, err := a.r.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			a.debugf("connection lost: %v", err)
			return
		}
		a.conn.SetReadDeadline(time.Time{})

		msg, err := protocol.ReadToClient(a.r, a.mmioReq.ackWidth())
		if err != nil {
			a.log.Printf("[client] session %s: %v", a.sessionID, err)
			return
		}
		if err := a.dispatch(msg); err != nil {
			a.log.Printf("[client] session %s: %v", a.sessionID, err)
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// sendRequests writes every Requested slot. A write failure ends the
// session.
func (a *AFU) sendRequests() bool {
	for _, r := range []*request{&a.openReq, &a.intReq, &a.attachReq, &a.mmioReq} {
		msg, ok := r.take()
		if !ok {
			continue
		}
		if err := a.send(msg); err != nil {
			a.debugf("send %s: %v", msg.Opcode(), err)
			r.complete(0, pkgerrors.Wrap(api.ErrNoDevice, err.Error()))
			return false
		}
	}
	return true
}

func (a *AFU) dispatch(m protocol.Message) error {
	switch v := m.(type) {
	case protocol.OpenReply:
		a.mu.Lock()
		a.context = v.Context
		a.mu.Unlock()
		a.openReq.complete(uint64(v.Context), nil)

	case protocol.AttachReply:
		a.mu.Lock()
		a.attached = true
		a.mu.Unlock()
		a.attachReq.complete(0, nil)

	case protocol.Detach:
		a.mu.Lock()
		a.attached = false
		a.mu.Unlock()
		select {
		case a.detached <- struct{}{}:
		default:
		}

	case protocol.MaxIntReply:
		a.mu.Lock()
		a.irqsMax = v.Count
		a.mu.Unlock()
		a.intReq.complete(uint64(v.Count), nil)

	case protocol.QueryReply:
		a.mu.Lock()
		a.irqsMin, a.irqsMax = v.MinIRQs, v.MaxIRQs
		a.mu.Unlock()

	case protocol.MemoryRead, protocol.MemoryWrite, protocol.MemoryTouch:
		return a.serveMemory(m)

	case protocol.MMIOAck:
		if !a.mmioReq.complete(v.Value, nil) {
			return api.Violation("mmio ack without request")
		}

	case protocol.MMIOFail:
		a.mmioReq.complete(0, pkgerrors.Wrap(api.ErrNoDevice, "mmio request rejected"))

	case protocol.Interrupt:
		a.debugf("afu interrupt %d", v.IRQ)
		a.queueEvent(api.Event{Type: api.EventAFUInterrupt, IRQ: v.IRQ})
	}
	return nil
}

// shutdown marks the session closed and releases every waiter.
func (a *AFU) shutdown() {
	a.conn.Close()
	a.mu.Lock()
	a.opened = false
	a.attached = false
	a.mapped = false
	a.mu.Unlock()

	closed := pkgerrors.Wrap(api.ErrNoDevice, "session closed")
	for _, r := range []*request{&a.openReq, &a.intReq, &a.attachReq, &a.mmioReq} {
		r.complete(0, closed)
	}
	close(a.done)
}
