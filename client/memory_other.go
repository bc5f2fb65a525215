//go:build !linux

// License: Apache-2.0

package client

import "github.com/helenaps/pslse/api"

// noMemory reports every address as non-resident.
type noMemory struct{}

func (noMemory) Probe(uint64) bool { return false }

func (noMemory) Read(addr uint64, _ []byte) error {
	return &api.AccessError{Addr: addr}
}

func (noMemory) Write(addr uint64, _ []byte) error {
	return &api.AccessError{Addr: addr}
}

func defaultMemory() api.Memory { return noMemory{} }
