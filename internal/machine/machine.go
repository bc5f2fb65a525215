// File: internal/machine/machine.go
// Package machine
// License: Apache-2.0
//
// Default per-context command machine: a small register file driving a
// one-shot engine that issues a single read, write, touch or interrupt
// command each time it is enabled.
//
// Register map, byte offsets inside the context window:
//
//	0x00  scratch, read/write
//	0x08  control: bit 63 enable, low byte command kind
//	0x10  effective address
//	0x18  size in bytes
//	0x20  interrupt source
//	0x28  status, read only: bit 9 busy, bit 8 done, low byte response code
//	0x80  data buffer, 128 bytes

package machine

import (
	"github.com/helenaps/pslse/afu"
	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/internal/tags"
)

// Register word addresses.
const (
	RegScratch uint32 = 0x00 >> 2
	RegControl uint32 = 0x08 >> 2
	RegAddress uint32 = 0x10 >> 2
	RegSize    uint32 = 0x18 >> 2
	RegIRQ     uint32 = 0x20 >> 2
	RegStatus  uint32 = 0x28 >> 2
	RegBuffer  uint32 = 0x80 >> 2
)

// Control and status bits.
const (
	ControlEnable uint64 = 1 << 63
	StatusDone    uint64 = 1 << 8
	StatusBusy    uint64 = 1 << 9
)

// BufferSize is the size of the data buffer in bytes.
const BufferSize = 128

// Machine is one context's command machine.
type Machine struct {
	context uint16
	pool    *tags.Pool

	regs [RegBuffer / 2]uint64
	buf  [BufferSize]byte

	enabled bool
	issued  bool
	tag     uint32
}

var _ api.CommandMachine = (*Machine)(nil)

// New returns an idle machine for context that takes tags from pool.
func New(context uint16, pool *tags.Pool) *Machine {
	return &Machine{context: context, pool: pool}
}

// Factory binds New to a pool.
func Factory(pool *tags.Pool) api.MachineFactory {
	return func(context uint16) api.CommandMachine {
		return New(context, pool)
	}
}

func (m *Machine) kind() api.CommandKind {
	return api.CommandKind(m.regs[RegControl/2] & 0xFF)
}

func (m *Machine) size() uint8 {
	n := m.regs[RegSize/2]
	if m.kind() != api.CommandTouch && n > BufferSize {
		n = BufferSize
	}
	if n > 255 {
		n = 255
	}
	return uint8(n)
}

// SendCommand issues the programmed command once per enable.
func (m *Machine) SendCommand(sink api.CommandSink, tick uint64) bool {
	if !m.enabled || m.issued {
		return false
	}
	k := m.kind()
	if k < api.CommandRead || k > api.CommandInterrupt {
		return false
	}
	tag, ok := m.pool.Request()
	if !ok {
		return false
	}
	cmd := api.Command{
		Tag:     tag,
		Context: m.context,
		Kind:    k,
		Addr:    m.regs[RegAddress/2],
		Size:    m.size(),
		IRQ:     uint16(m.regs[RegIRQ/2]),
	}
	if !sink.Issue(cmd) {
		m.pool.Release(tag, 1)
		return false
	}
	m.issued = true
	m.tag = tag
	m.regs[RegStatus/2] = StatusBusy
	return true
}

// HasTag reports whether tag is this machine's outstanding command.
func (m *Machine) HasTag(tag uint32) bool {
	return m.issued && m.tag == tag
}

// ProcessResponse completes the outstanding command.
func (m *Machine) ProcessResponse(ev api.ResponseEvent) {
	if !m.HasTag(ev.Tag) {
		return
	}
	m.pool.Release(ev.Tag, 1)
	m.issued = false
	m.enabled = false
	m.regs[RegControl/2] &^= ControlEnable
	m.regs[RegStatus/2] = StatusDone | uint64(ev.Code)
}

// ProcessBufferWrite stores data read from memory in the buffer.
func (m *Machine) ProcessBufferWrite(ev api.BufferEvent) {
	copy(m.buf[:], ev.Data)
}

// ProcessBufferRead returns the buffer contents to write to memory.
func (m *Machine) ProcessBufferRead(ev api.BufferEvent) []byte {
	out := make([]byte, m.size())
	copy(out, m.buf[:])
	return out
}

// DisableAll stops new commands; one already issued still completes.
func (m *Machine) DisableAll() {
	m.enabled = false
	m.regs[RegControl/2] &^= ControlEnable
}

// AllCompleted reports that no command is outstanding.
func (m *Machine) AllCompleted() bool { return !m.issued }

// IsEnabled reports whether the engine is armed.
func (m *Machine) IsEnabled() bool { return m.enabled }

// ReadConfig reads a register or the data buffer.
func (m *Machine) ReadConfig(addr uint32, double bool) uint64 {
	var v uint64
	if addr >= RegBuffer {
		off := int(addr-RegBuffer) / 2 * 8
		if off+8 > BufferSize {
			return ^uint64(0)
		}
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(m.buf[off+i])
		}
	} else {
		v = m.regs[addr/2]
	}
	return afu.HalfSelect(v, addr, double)
}

// WriteConfig writes a register or the data buffer. Writing the control
// register with the enable bit arms the engine.
func (m *Machine) WriteConfig(addr uint32, data uint64, double bool) {
	if addr >= RegBuffer {
		off := int(addr-RegBuffer) / 2 * 8
		if off+8 > BufferSize {
			return
		}
		var cur uint64
		for i := 7; i >= 0; i-- {
			cur = cur<<8 | uint64(m.buf[off+i])
		}
		cur = merge(cur, data, addr, double)
		for i := 0; i < 8; i++ {
			m.buf[off+i] = byte(cur >> (8 * i))
		}
		return
	}

	idx := addr / 2
	if addr&^1 == RegStatus {
		return
	}
	m.regs[idx] = merge(m.regs[idx], data, addr, double)
	if addr&^1 == RegControl && m.regs[idx]&ControlEnable != 0 && !m.issued {
		m.enabled = true
		m.regs[RegStatus/2] = 0
	}
}

// merge applies a 32-bit write to the half its word address selects.
func merge(cur, data uint64, addr uint32, double bool) uint64 {
	if double {
		return data
	}
	if addr&1 != 0 {
		return cur&^0xFFFFFFFF | data&0xFFFFFFFF
	}
	return cur&0xFFFFFFFF | data&^0xFFFFFFFF
}
