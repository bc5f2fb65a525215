// File: protocol/opcodes.go
// Package protocol implements the PSL simulation wire format.
// License: Apache-2.0
//
// Every message starts with a single opcode byte followed by a fixed layout
// of little-endian fields selected by the opcode.

package protocol

import "fmt"

// Opcode is the leading byte of every message.
type Opcode uint8

const (
	OpConnect     Opcode = 1
	OpQuery       Opcode = 2
	OpMaxInt      Opcode = 3
	OpOpen        Opcode = 4
	OpAttach      Opcode = 5
	OpDetach      Opcode = 6
	OpMemoryRead  Opcode = 7
	OpMemoryWrite Opcode = 8
	OpMemoryTouch Opcode = 9
	OpMemSuccess  Opcode = 10
	OpMemFailure  Opcode = 11
	OpMMIOMap     Opcode = 12
	OpMMIORead64  Opcode = 13
	OpMMIOWrite64 Opcode = 14
	OpMMIORead32  Opcode = 15
	OpMMIOWrite32 Opcode = 16
	OpMMIOAck     Opcode = 17
	OpMMIOFail    Opcode = 18
	OpInterrupt   Opcode = 19
)

// Version is the protocol version exchanged in the handshake.
const Version uint8 = 1

// Magic opens every handshake.
const Magic = "PSLSE"

// MMIO map flags.
const (
	MMIOHostEndian   uint32 = 0x0
	MMIOBigEndian    uint32 = 0x1
	MMIOLittleEndian uint32 = 0x2
	MMIOFlagsMask    uint32 = 0x3
)

var opcodeNames = map[Opcode]string{
	OpConnect:     "CONNECT",
	OpQuery:       "QUERY",
	OpMaxInt:      "MAX_INT",
	OpOpen:        "OPEN",
	OpAttach:      "ATTACH",
	OpDetach:      "DETACH",
	OpMemoryRead:  "MEMORY_READ",
	OpMemoryWrite: "MEMORY_WRITE",
	OpMemoryTouch: "MEMORY_TOUCH",
	OpMemSuccess:  "MEM_SUCCESS",
	OpMemFailure:  "MEM_FAILURE",
	OpMMIOMap:     "MMIO_MAP",
	OpMMIORead64:  "MMIO_READ64",
	OpMMIOWrite64: "MMIO_WRITE64",
	OpMMIORead32:  "MMIO_READ32",
	OpMMIOWrite32: "MMIO_WRITE32",
	OpMMIOAck:     "MMIO_ACK",
	OpMMIOFail:    "MMIO_FAIL",
	OpInterrupt:   "INTERRUPT",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}
