// File: protocol/handshake.go
// License: Apache-2.0
//
// Connection handshake: the client announces Magic and Version, the server
// acknowledges with CONNECT and the bitmap of accelerators it hosts.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/helenaps/pslse/api"
	"github.com/pkg/errors"
)

// ErrBadHandshake reports a malformed or mismatching handshake.
var ErrBadHandshake = errors.New("bad handshake")

// WriteHandshake sends the client greeting.
func WriteHandshake(w io.Writer, version uint8) error {
	b := make([]byte, 0, len(Magic)+1)
	b = append(b, Magic...)
	b = append(b, version)
	if _, err := w.Write(b); err != nil {
		return errors.Wrapf(api.ErrDisconnected, "write handshake: %v", err)
	}
	return nil
}

// ReadHandshake reads the client greeting and returns the announced version.
func ReadHandshake(r io.Reader) (uint8, error) {
	var b [len(Magic) + 1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrapf(api.ErrDisconnected, "read handshake: %v", err)
	}
	if string(b[:len(Magic)]) != Magic {
		return 0, errors.Wrapf(ErrBadHandshake, "magic %q", b[:len(Magic)])
	}
	return b[len(Magic)], nil
}

// WriteConnect acknowledges a handshake.
func WriteConnect(w io.Writer, afuMap uint16) error {
	b := []byte{byte(OpConnect), 0, 0}
	binary.LittleEndian.PutUint16(b[1:], afuMap)
	if _, err := w.Write(b); err != nil {
		return errors.Wrapf(api.ErrDisconnected, "write connect: %v", err)
	}
	return nil
}

// ReadConnect reads the handshake acknowledgement and returns the bitmap.
func ReadConnect(r io.Reader) (uint16, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrapf(api.ErrDisconnected, "read connect: %v", err)
	}
	if Opcode(b[0]) != OpConnect {
		return 0, errors.Wrapf(ErrBadHandshake, "acknowledged with %s", Opcode(b[0]))
	}
	return binary.LittleEndian.Uint16(b[1:]), nil
}

// AFUID packs an accelerator position into the id byte used on the wire.
func AFUID(major, minor uint8) uint8 {
	return major<<4 | minor
}

// AFUPosition returns the bit an accelerator occupies in the handshake map.
func AFUPosition(major, minor uint8) uint16 {
	return 0x8000 >> (4*uint16(major) + uint16(minor))
}
