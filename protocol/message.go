// File: protocol/message.go
// License: Apache-2.0
//
// Message types, one per opcode and direction.

package protocol

// Message is any decoded protocol message.
type Message interface {
	Opcode() Opcode
}

// Client to server messages.

// Query asks for the interrupt bounds of an accelerator.
type Query struct {
	AFU uint8 // major<<4 | minor
}

// Open asks for a context on an accelerator.
type Open struct {
	Class byte // 'd', 'm' or 's'
	AFU   uint8
}

// Attach starts the accelerator with a work element descriptor.
type Attach struct {
	WED uint64
}

// Detach ends the attachment. It is sent in both directions.
type Detach struct{}

// MaxInt requests an interrupt count.
type MaxInt struct {
	Count uint16
}

// MMIOMap maps the problem state area.
type MMIOMap struct {
	Flags uint32
}

// MMIORead reads a 32 or 64-bit register.
type MMIORead struct {
	Double bool
	Offset uint32
}

// MMIOWrite writes a 32 or 64-bit register.
type MMIOWrite struct {
	Double bool
	Offset uint32
	Value  uint64
}

// MemSuccess answers a memory request; Data is only present for reads.
type MemSuccess struct {
	Data []byte
}

// MemFailure answers a memory request that touched non-resident memory.
type MemFailure struct{}

// Server to client messages.

// QueryReply reports the interrupt bounds.
type QueryReply struct {
	MinIRQs uint16
	MaxIRQs uint16
}

// OpenReply carries the assigned context id.
type OpenReply struct {
	Context uint8
}

// AttachReply acknowledges an attach.
type AttachReply struct{}

// MaxIntReply carries the granted interrupt count.
type MaxIntReply struct {
	Count uint16
}

// MemoryRead asks the client for Size bytes at Addr.
type MemoryRead struct {
	Size uint8
	Addr uint64
}

// MemoryWrite stores Data at Addr in client memory.
type MemoryWrite struct {
	Addr uint64
	Data []byte
}

// MemoryTouch checks that Addr is resident.
type MemoryTouch struct {
	Size uint8
	Addr uint64
}

// MMIOAck completes an MMIO request. Width is 0, 4 or 8 and follows the
// outstanding request.
type MMIOAck struct {
	Width int
	Value uint64
}

// MMIOFail rejects an MMIO request.
type MMIOFail struct{}

// Interrupt notifies the client of an AFU interrupt.
type Interrupt struct {
	IRQ uint16
}

func (Query) Opcode() Opcode       { return OpQuery }
func (Open) Opcode() Opcode        { return OpOpen }
func (Attach) Opcode() Opcode      { return OpAttach }
func (Detach) Opcode() Opcode      { return OpDetach }
func (MaxInt) Opcode() Opcode      { return OpMaxInt }
func (MMIOMap) Opcode() Opcode     { return OpMMIOMap }
func (MemSuccess) Opcode() Opcode  { return OpMemSuccess }
func (MemFailure) Opcode() Opcode  { return OpMemFailure }
func (QueryReply) Opcode() Opcode  { return OpQuery }
func (OpenReply) Opcode() Opcode   { return OpOpen }
func (AttachReply) Opcode() Opcode { return OpAttach }
func (MaxIntReply) Opcode() Opcode { return OpMaxInt }
func (MemoryRead) Opcode() Opcode  { return OpMemoryRead }
func (MemoryWrite) Opcode() Opcode { return OpMemoryWrite }
func (MemoryTouch) Opcode() Opcode { return OpMemoryTouch }
func (MMIOAck) Opcode() Opcode     { return OpMMIOAck }
func (MMIOFail) Opcode() Opcode    { return OpMMIOFail }
func (Interrupt) Opcode() Opcode   { return OpInterrupt }

func (m MMIORead) Opcode() Opcode {
	if m.Double {
		return OpMMIORead64
	}
	return OpMMIORead32
}

func (m MMIOWrite) Opcode() Opcode {
	if m.Double {
		return OpMMIOWrite64
	}
	return OpMMIOWrite32
}
