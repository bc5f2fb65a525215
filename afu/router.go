// License: Apache-2.0

package afu

import "github.com/helenaps/pslse/api"

// owner finds the single machine holding tag.
func (a *AFU) owner(what string, tag uint32) (api.CommandMachine, error) {
	if a.state != StateRunning && a.state != StateWaiting && a.state != StateReset {
		return nil, api.Violation("received %s while not running", what).
			WithContext("state", a.state.String())
	}
	if !a.tags.IsInUse(tag) {
		return nil, api.Violation("received %s for tag %d not in use", what, tag)
	}
	var found api.CommandMachine
	for _, id := range a.Contexts() {
		m := a.machines[id]
		if !m.HasTag(tag) {
			continue
		}
		if found != nil {
			return nil, api.Violation("tag %d owned by more than one context", tag)
		}
		found = m
	}
	if found == nil {
		return nil, api.Violation("received %s for tag %d with no owner", what, tag)
	}
	return found, nil
}

// HandleResponse routes a command response to the machine owning its tag.
func (a *AFU) HandleResponse(ev api.ResponseEvent) error {
	m, err := a.owner("response", ev.Tag)
	if err != nil {
		return err
	}
	ev.Tick = a.tick
	m.ProcessResponse(ev)
	return nil
}

// HandleBufferWrite delivers data read from memory to the owning machine.
func (a *AFU) HandleBufferWrite(ev api.BufferEvent) error {
	m, err := a.owner("buffer write", ev.Tag)
	if err != nil {
		return err
	}
	m.ProcessBufferWrite(ev)
	return nil
}

// HandleBufferRead asks the owning machine for the data it wants written.
func (a *AFU) HandleBufferRead(ev api.BufferEvent) ([]byte, error) {
	m, err := a.owner("buffer read", ev.Tag)
	if err != nil {
		return nil, err
	}
	return m.ProcessBufferRead(ev), nil
}
