// License: Apache-2.0

package client

import (
	"context"

	"github.com/helenaps/pslse/api"
	"github.com/pkg/errors"
)

// queueEvent stores ev unless one of the same kind is already pending.
func (a *AFU) queueEvent(ev api.Event) {
	a.mu.Lock()
	slot := &a.irq
	if ev.Type == api.EventDataStorage {
		slot = &a.dsi
	}
	if *slot != nil {
		a.mu.Unlock()
		a.debugf("dropping %s event, one is already pending", ev.Type)
		return
	}
	ev.Context = uint16(a.context)
	*slot = &ev
	a.mu.Unlock()

	select {
	case a.eventReady <- struct{}{}:
	default:
	}
	select {
	case a.notify <- ev.Type:
	default:
	}
}

// EventPending reports whether an event is queued.
func (a *AFU) EventPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dsi != nil || a.irq != nil
}

// PendingEvents returns the number of queued events, at most two.
func (a *AFU) PendingEvents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	if a.dsi != nil {
		n++
	}
	if a.irq != nil {
		n++
	}
	return n
}

// Notify returns a channel that receives the type of every queued event.
// Sends are dropped when the channel is full.
func (a *AFU) Notify() <-chan api.EventType {
	return a.notify
}

func (a *AFU) popEvent() (api.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.dsi != nil:
		ev := *a.dsi
		a.dsi = nil
		return ev, true
	case a.irq != nil:
		ev := *a.irq
		a.irq = nil
		return ev, true
	}
	return api.Event{}, false
}

// ReadEvent retires a pending event, blocking until one is queued.
// A pending fault is returned before a pending interrupt even when the
// interrupt arrived first; libcxl returns them oldest first. It fails with
// api.ErrNoDevice once the session is closed and nothing is queued.
func (a *AFU) ReadEvent(ctx context.Context) (api.Event, error) {
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}

	for {
		if ev, ok := a.popEvent(); ok {
			return ev, nil
		}
		select {
		case <-a.done:
			if ev, ok := a.popEvent(); ok {
				return ev, nil
			}
			return api.Event{}, errors.Wrap(api.ErrNoDevice, "session closed")
		case <-a.eventReady:
		case <-ctx.Done():
			return api.Event{}, errors.Wrap(api.ErrTimeout, ctx.Err().Error())
		}
	}
}

// ReadExpectedEvent reads the next event and checks its type and, for
// interrupts, its source number.
func (a *AFU) ReadExpectedEvent(ctx context.Context, typ api.EventType, irq uint16) (api.Event, error) {
	ev, err := a.ReadEvent(ctx)
	if err != nil {
		return ev, err
	}
	if ev.Type != typ {
		return ev, errors.Wrapf(api.ErrUnexpectedEvent, "got %s, want %s", ev.Type, typ)
	}
	if typ == api.EventAFUInterrupt && ev.IRQ != irq {
		return ev, errors.Wrapf(api.ErrUnexpectedEvent, "got irq %d, want %d", ev.IRQ, irq)
	}
	return ev, nil
}
