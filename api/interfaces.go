// License: Apache-2.0

package api

// Memory is the coherent memory target the simulated accelerator reads and
// writes through the client session.
type Memory interface {
	// Probe reports whether addr is mapped and readable.
	Probe(addr uint64) bool
	// Read and Write return an *AccessError when part of the range cannot
	// be reached with the requested access.
	Read(addr uint64, dst []byte) error
	Write(addr uint64, src []byte) error
}

// CommandKind selects what a machine command asks the PSL to do.
type CommandKind uint8

const (
	CommandRead CommandKind = iota + 1
	CommandWrite
	CommandTouch
	CommandInterrupt
)

func (k CommandKind) String() string {
	switch k {
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandTouch:
		return "touch"
	case CommandInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Command is a tagged request originated by a command machine.
type Command struct {
	Tag     uint32
	Context uint16
	Kind    CommandKind
	Addr    uint64
	Size    uint8
	IRQ     uint16
}

// Response codes delivered back to machines.
const (
	ResponseDone   uint8 = 0
	ResponseAError uint8 = 1
	ResponseFault  uint8 = 7
	ResponseFailed uint8 = 8
)

// ResponseEvent completes the command carrying Tag.
type ResponseEvent struct {
	Tag  uint32
	Code uint8
	Tick uint64
}

// BufferEvent moves command data between the PSL and a machine: buffer writes
// carry data read from memory, buffer reads are answered by the machine with
// the data to store.
type BufferEvent struct {
	Tag  uint32
	Data []byte
}

// CommandSink accepts commands emitted by machines.
type CommandSink interface {
	Issue(cmd Command) bool
}

// CommandMachine is the per-context command generation unit. Implementations
// are owned outside the job-control logic.
type CommandMachine interface {
	// SendCommand attempts to originate one command and reports whether it did.
	SendCommand(sink CommandSink, tick uint64) bool
	HasTag(tag uint32) bool
	ProcessResponse(ev ResponseEvent)
	ProcessBufferWrite(ev BufferEvent)
	// ProcessBufferRead returns the data to write to memory for ev.Tag.
	ProcessBufferRead(ev BufferEvent) []byte
	DisableAll()
	AllCompleted() bool
	IsEnabled() bool

	// ReadConfig and WriteConfig access the context configuration store.
	// Addresses are word offsets inside the context window.
	ReadConfig(addr uint32, double bool) uint64
	WriteConfig(addr uint32, data uint64, double bool)
}

// MachineFactory builds the command machine of a context.
type MachineFactory func(context uint16) CommandMachine

// TagPool hands out command correlation tags.
type TagPool interface {
	IsInUse(tag uint32) bool
	// SetMaxCredits bounds the number of tags outstanding at once.
	SetMaxCredits(n int)
	Reset()
}

// Descriptor is the AFU descriptor register store.
type Descriptor interface {
	// Register returns the descriptor value at word address addr.
	Register(addr uint32, double bool) uint64
	IsDedicated() bool
	IsDirected() bool
}
