// License: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
	"github.com/pkg/errors"
)

type reqState int

const (
	reqIdle reqState = iota
	reqRequested
	reqPending
)

type result struct {
	value uint64
	err   error
}

// request is a single-slot hand-off between a caller and the poller. The
// caller submits a message (Idle to Requested), the poller sends it
// (Requested to Pending) and the reply completes it (back to Idle).
type request struct {
	mu    sync.Mutex
	state reqState
	msg   protocol.Message
	width int // MMIO ack width expected for msg
	done  chan result
}

func (r *request) submit(msg protocol.Message, width int) (<-chan result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != reqIdle {
		return nil, errors.Wrapf(api.ErrBusy, "%s", msg.Opcode())
	}
	r.state = reqRequested
	r.msg = msg
	r.width = width
	r.done = make(chan result, 1)
	return r.done, nil
}

// take hands a Requested message to the poller and marks it Pending.
func (r *request) take() (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != reqRequested {
		return nil, false
	}
	r.state = reqPending
	return r.msg, true
}

func (r *request) ackWidth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != reqPending {
		return 0
	}
	return r.width
}

// complete returns the slot to Idle and releases the waiter. It reports
// false when nothing was outstanding.
func (r *request) complete(value uint64, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == reqIdle {
		return false
	}
	r.state = reqIdle
	r.msg = nil
	r.done <- result{value: value, err: err}
	return true
}

func (r *request) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != reqIdle
}

// wait blocks for the reply to the request that returned done.
func wait(ctx context.Context, done <-chan result, timeout time.Duration) (uint64, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return 0, errors.Wrap(api.ErrTimeout, ctx.Err().Error())
	case <-expired:
		return 0, errors.Wrapf(api.ErrTimeout, "no reply within %s", timeout)
	}
}
