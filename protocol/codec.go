// File: protocol/codec.go
// License: Apache-2.0
//
// Encoding and blocking decoding of protocol messages over an ordered byte
// stream. The same opcode is decoded differently depending on the direction
// of travel, so decoding is split into ReadToServer and ReadToClient.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/helenaps/pslse/api"
	"github.com/pkg/errors"
)

// MaxMemorySize is the largest payload of a memory request.
const MaxMemorySize = 255

// Encode serializes m into a new buffer.
func Encode(m Message) ([]byte, error) {
	b := make([]byte, 1, 16)
	b[0] = byte(m.Opcode())

	switch v := m.(type) {
	case Query:
		b = append(b, v.AFU)
	case Open:
		b = append(b, v.Class, v.AFU)
	case Attach:
		b = binary.LittleEndian.AppendUint64(b, v.WED)
	case Detach, AttachReply, MemFailure, MMIOFail:
	case MaxInt:
		b = binary.LittleEndian.AppendUint16(b, v.Count)
	case MMIOMap:
		b = binary.LittleEndian.AppendUint32(b, v.Flags)
	case MMIORead:
		b = binary.LittleEndian.AppendUint32(b, v.Offset)
	case MMIOWrite:
		b = binary.LittleEndian.AppendUint32(b, v.Offset)
		if v.Double {
			b = binary.LittleEndian.AppendUint64(b, v.Value)
		} else {
			b = binary.LittleEndian.AppendUint32(b, uint32(v.Value))
		}
	case MemSuccess:
		if len(v.Data) > MaxMemorySize {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "memory payload of %d bytes", len(v.Data))
		}
		b = append(b, v.Data...)
	case QueryReply:
		b = binary.LittleEndian.AppendUint16(b, v.MinIRQs)
		b = binary.LittleEndian.AppendUint16(b, v.MaxIRQs)
	case OpenReply:
		b = append(b, v.Context)
	case MaxIntReply:
		b = binary.LittleEndian.AppendUint16(b, v.Count)
	case MemoryRead:
		b = append(b, v.Size)
		b = binary.LittleEndian.AppendUint64(b, v.Addr)
	case MemoryWrite:
		if len(v.Data) > MaxMemorySize {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "memory payload of %d bytes", len(v.Data))
		}
		b = append(b, uint8(len(v.Data)))
		b = binary.LittleEndian.AppendUint64(b, v.Addr)
		b = append(b, v.Data...)
	case MemoryTouch:
		b = append(b, v.Size)
		b = binary.LittleEndian.AppendUint64(b, v.Addr)
	case MMIOAck:
		switch v.Width {
		case 0:
		case 4:
			b = binary.LittleEndian.AppendUint32(b, uint32(v.Value))
		case 8:
			b = binary.LittleEndian.AppendUint64(b, v.Value)
		default:
			return nil, errors.Wrapf(api.ErrInvalidArgument, "mmio ack width %d", v.Width)
		}
	case Interrupt:
		b = binary.LittleEndian.AppendUint16(b, v.IRQ)
	default:
		return nil, errors.Wrapf(api.ErrInvalidArgument, "cannot encode %T", m)
	}
	return b, nil
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return errors.Wrapf(api.ErrDisconnected, "write %s: %v", m.Opcode(), err)
	}
	return nil
}

// decoder reads fixed-width little-endian fields and keeps the first error.
type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (d *decoder) fill(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		d.err = err
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.fill(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.fill(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.fill(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.fill(8)) }

func (d *decoder) bytes(n int) []byte {
	if n == 0 {
		return nil
	}
	p := make([]byte, n)
	if d.err == nil {
		if _, err := io.ReadFull(d.r, p); err != nil {
			d.err = err
		}
	}
	return p
}

func (d *decoder) failure(what string) error {
	return errors.Wrapf(api.ErrDisconnected, "read %s: %v", what, d.err)
}

// ReadToServer decodes one message sent by a client. pendingRead is the size
// of the outstanding memory read, if any, and sizes the MEM_SUCCESS payload.
func ReadToServer(r io.Reader, pendingRead int) (Message, error) {
	d := &decoder{r: r}
	op := Opcode(d.u8())
	if d.err != nil {
		return nil, d.failure("opcode")
	}

	var m Message
	switch op {
	case OpQuery:
		m = Query{AFU: d.u8()}
	case OpOpen:
		class := d.u8()
		m = Open{Class: class, AFU: d.u8()}
	case OpAttach:
		m = Attach{WED: d.u64()}
	case OpDetach:
		m = Detach{}
	case OpMaxInt:
		m = MaxInt{Count: d.u16()}
	case OpMMIOMap:
		m = MMIOMap{Flags: d.u32()}
	case OpMMIORead64, OpMMIORead32:
		m = MMIORead{Double: op == OpMMIORead64, Offset: d.u32()}
	case OpMMIOWrite64:
		off := d.u32()
		m = MMIOWrite{Double: true, Offset: off, Value: d.u64()}
	case OpMMIOWrite32:
		off := d.u32()
		m = MMIOWrite{Offset: off, Value: uint64(d.u32())}
	case OpMemSuccess:
		m = MemSuccess{Data: d.bytes(pendingRead)}
	case OpMemFailure:
		m = MemFailure{}
	default:
		return nil, api.Violation("unexpected opcode %s from client", op)
	}
	if d.err != nil {
		return nil, d.failure(op.String())
	}
	return m, nil
}

// ReadToClient decodes one message sent by the server. ackWidth is the value
// width of the outstanding MMIO request (0, 4 or 8).
func ReadToClient(r io.Reader, ackWidth int) (Message, error) {
	d := &decoder{r: r}
	op := Opcode(d.u8())
	if d.err != nil {
		return nil, d.failure("opcode")
	}

	var m Message
	switch op {
	case OpQuery:
		lo := d.u16()
		m = QueryReply{MinIRQs: lo, MaxIRQs: d.u16()}
	case OpOpen:
		m = OpenReply{Context: d.u8()}
	case OpAttach:
		m = AttachReply{}
	case OpDetach:
		m = Detach{}
	case OpMaxInt:
		m = MaxIntReply{Count: d.u16()}
	case OpMemoryRead:
		size := d.u8()
		m = MemoryRead{Size: size, Addr: d.u64()}
	case OpMemoryWrite:
		size := d.u8()
		addr := d.u64()
		m = MemoryWrite{Addr: addr, Data: d.bytes(int(size))}
	case OpMemoryTouch:
		size := d.u8()
		m = MemoryTouch{Size: size, Addr: d.u64()}
	case OpMMIOAck:
		ack := MMIOAck{Width: ackWidth}
		switch ackWidth {
		case 8:
			ack.Value = d.u64()
		case 4:
			ack.Value = uint64(d.u32())
		}
		m = ack
	case OpMMIOFail:
		m = MMIOFail{}
	case OpInterrupt:
		m = Interrupt{IRQ: d.u16()}
	default:
		return nil, api.Violation("unexpected opcode %s from server", op)
	}
	if d.err != nil {
		return nil, d.failure(op.String())
	}
	return m, nil
}
