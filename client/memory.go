// License: Apache-2.0

package client

import (
	"errors"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
)

const pageMask = ^uint64(0xFFF)

// resident checks the first and last byte of an access.
func (a *AFU) resident(addr uint64, size uint8) (uint64, bool) {
	if !a.mem.Probe(addr) {
		return addr, false
	}
	if size > 1 {
		last := addr + uint64(size) - 1
		if !a.mem.Probe(last) {
			return last, false
		}
	}
	return 0, true
}

func faultAddr(err error, addr uint64) uint64 {
	var ae *api.AccessError
	if errors.As(err, &ae) {
		return ae.Addr
	}
	return addr
}

// fault queues a data storage event for addr and tells the peer the access
// failed.
func (a *AFU) fault(what string, addr uint64) error {
	a.queueEvent(api.Event{
		Type:  api.EventDataStorage,
		Addr:  addr & pageMask,
		DSISR: api.DSISR,
	})
	a.debugf("%s of invalid address 0x%016x", what, addr)
	return a.send(protocol.MemFailure{})
}

// serveMemory performs an accelerator access to the session's memory.
func (a *AFU) serveMemory(m protocol.Message) error {
	switch v := m.(type) {
	case protocol.MemoryRead:
		if bad, ok := a.resident(v.Addr, v.Size); !ok {
			return a.fault("read", bad)
		}
		data := make([]byte, v.Size)
		if err := a.mem.Read(v.Addr, data); err != nil {
			return a.fault("read", faultAddr(err, v.Addr))
		}
		a.debugf("read %d bytes from 0x%016x", v.Size, v.Addr)
		return a.send(protocol.MemSuccess{Data: data})

	case protocol.MemoryWrite:
		if bad, ok := a.resident(v.Addr, uint8(len(v.Data))); !ok {
			return a.fault("write", bad)
		}
		if err := a.mem.Write(v.Addr, v.Data); err != nil {
			return a.fault("write", faultAddr(err, v.Addr))
		}
		a.debugf("wrote %d bytes to 0x%016x", len(v.Data), v.Addr)
		return a.send(protocol.MemSuccess{})

	case protocol.MemoryTouch:
		if bad, ok := a.resident(v.Addr, v.Size); !ok {
			return a.fault("touch", bad)
		}
		return a.send(protocol.MemSuccess{})
	}
	return nil
}
