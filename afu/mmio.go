// License: Apache-2.0

package afu

import (
	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
)

// Register space layout, in 32-bit words.
const (
	GlobalConfigWords uint32 = 0x400
	ContextWords      uint32 = 0x400
	contextMask              = ContextWords - 1
)

const allOnes = ^uint64(0)

// MMIOEvent is a register access from the PSL. Address is a word address;
// 32-bit writes carry the value duplicated in both halves.
type MMIOEvent struct {
	Read       bool
	Double     bool
	Descriptor bool
	Address    uint32
	Data       uint64
}

// MMIOAck answers an MMIOEvent. Data is zero for writes.
type MMIOAck struct {
	Data   uint64
	Parity uint8
}

// ContextWindow returns the first word of a context's register window.
func ContextWindow(context uint16) uint32 {
	return GlobalConfigWords + uint32(context)*ContextWords
}

// HalfSelect narrows a 64-bit register to a 32-bit access. Odd word
// addresses see the low half, even ones the high half, duplicated in both.
func HalfSelect(data uint64, addr uint32, double bool) uint64 {
	if double {
		return data
	}
	if addr&1 != 0 {
		lo := data & 0xFFFFFFFF
		return lo | lo<<32
	}
	hi := data >> 32
	return hi<<32 | hi
}

// HandleMMIO serves a register access.
func (a *AFU) HandleMMIO(ev MMIOEvent) (MMIOAck, error) {
	if ev.Double && ev.Address&1 != 0 {
		return MMIOAck{}, api.Violation("mmio double access on odd address 0x%x", ev.Address)
	}

	if ev.Descriptor {
		if a.state == StateIdle || a.state == StateReset {
			return MMIOAck{}, api.Violation("descriptor access before reset completed").
				WithContext("state", a.state.String())
		}
		if !ev.Read {
			return MMIOAck{}, api.Violation("descriptor write at 0x%x", ev.Address)
		}
		return a.ack(a.desc.Register(ev.Address, ev.Double)), nil
	}

	if a.state != StateRunning && a.state != StateWaiting {
		return MMIOAck{}, api.Violation("mmio access while not running").
			WithContext("state", a.state.String()).
			WithContext("address", ev.Address)
	}
	if ev.Read {
		data := a.readRegister(ev.Address, ev.Double)
		a.debugf("read mmio address 0x%x data 0x%016x double %t", ev.Address, data, ev.Double)
		return a.ack(data), nil
	}

	if !ev.Double && ev.Data&0xFFFFFFFF != ev.Data>>32 {
		return MMIOAck{}, api.Violation("mmio 32-bit write data 0x%016x not duplicated", ev.Data)
	}
	a.debugf("write mmio address 0x%x data 0x%016x double %t", ev.Address, ev.Data, ev.Double)
	if err := a.writeRegister(ev.Address, ev.Data, ev.Double); err != nil {
		return MMIOAck{}, err
	}
	return MMIOAck{}, nil
}

func (a *AFU) ack(data uint64) MMIOAck {
	if a.parityRead() {
		return MMIOAck{Data: data, Parity: protocol.Parity(data+1, protocol.OddParity)}
	}
	return MMIOAck{Data: data, Parity: protocol.Parity(data, protocol.OddParity)}
}

func (a *AFU) parityRead() bool {
	return a.global[2]&(1<<63) != 0
}

func (a *AFU) readRegister(addr uint32, double bool) uint64 {
	if addr < GlobalConfigWords {
		var data uint64
		switch addr &^ 1 {
		case 0x2:
			data = a.global[1]
		case 0x4:
			data = a.global[2]
		default:
			data = allOnes
		}
		return HalfSelect(data, addr, double)
	}
	if m, ok := a.machines[uint16((addr-GlobalConfigWords)/ContextWords)]; ok {
		return m.ReadConfig(addr&contextMask, double)
	}
	return allOnes
}

func (a *AFU) writeRegister(addr uint32, data uint64, double bool) error {
	if addr < GlobalConfigWords {
		switch addr &^ 1 {
		case 0x0:
			for id, m := range a.machines {
				if m.IsEnabled() {
					return api.Violation("shutdown requested while context %d is enabled", id)
				}
			}
			a.state = StateWaiting
			a.debugf("preparing to shut down machines")
		case 0x4:
			a.global[2] = data & (1 << 63)
		default:
			a.log.Printf("[afu] mmio write to invalid address 0x%x, data dropped", addr)
		}
		return nil
	}
	if m, ok := a.machines[uint16((addr-GlobalConfigWords)/ContextWords)]; ok {
		m.WriteConfig(addr&contextMask, data, double)
		return nil
	}
	a.log.Printf("[afu] mmio write to invalid address 0x%x, data dropped", addr)
	return nil
}
