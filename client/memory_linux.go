// License: Apache-2.0

package client

import (
	"os"

	"github.com/helenaps/pslse/api"
	"golang.org/x/sys/unix"
)

// ProcessMemory serves accelerator accesses straight from this process's
// address space. Every access goes through process_vm_readv/writev on our
// own pid, so an unmapped or read-only target comes back as EFAULT instead
// of a SIGSEGV.
type ProcessMemory struct{}

var _ api.Memory = ProcessMemory{}

// Probe reports whether addr is mapped and readable.
func (m ProcessMemory) Probe(addr uint64) bool {
	if addr == 0 {
		return false
	}
	var b [1]byte
	return m.Read(addr, b[:]) == nil
}

func (ProcessMemory) Read(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	local, remote := iovecs(addr, dst)
	n, err := unix.ProcessVMReadv(os.Getpid(), local, remote, 0)
	return transferred(addr, n, len(dst), err)
}

func (ProcessMemory) Write(addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	local, remote := iovecs(addr, src)
	n, err := unix.ProcessVMWritev(os.Getpid(), local, remote, 0)
	return transferred(addr, n, len(src), err)
}

func iovecs(addr uint64, buf []byte) ([]unix.Iovec, []unix.RemoteIovec) {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	return local, remote
}

// transferred turns a short or failed copy into the first address missed.
func transferred(addr uint64, n, want int, err error) error {
	if err != nil {
		return &api.AccessError{Addr: addr}
	}
	if n < want {
		return &api.AccessError{Addr: addr + uint64(n)}
	}
	return nil
}

func defaultMemory() api.Memory { return ProcessMemory{} }
