// File: api/events.go
// Package api defines the accelerator events delivered to client sessions.
// License: Apache-2.0

package api

// EventType identifies the kind of an accelerator event.
type EventType uint16

const (
	EventReserved     EventType = 0
	EventAFUInterrupt EventType = 1
	EventDataStorage  EventType = 2
	EventAFUError     EventType = 3
)

func (t EventType) String() string {
	switch t {
	case EventAFUInterrupt:
		return "afu-interrupt"
	case EventDataStorage:
		return "data-storage"
	case EventAFUError:
		return "afu-error"
	default:
		return "reserved"
	}
}

// DSISR is the fault status reported with every synthesized data storage event.
const DSISR uint64 = 0x4000000040000000

// Event is a single pending accelerator event.
type Event struct {
	Type    EventType
	Context uint16 // process element the event belongs to

	// EventAFUInterrupt
	IRQ uint16

	// EventDataStorage
	Addr  uint64 // faulting address, 4 KiB aligned
	DSISR uint64
}
