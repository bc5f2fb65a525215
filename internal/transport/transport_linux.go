// internal/transport/transport_linux.go
//go:build linux

// License: Apache-2.0

package transport

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(serr, "setsockopt TCP_NODELAY")
}

func listenControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(serr, "setsockopt SO_REUSEADDR")
}

// NoDelay disables Nagle on a TCP connection. Other connections are left
// untouched.
func NoDelay(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "raw conn")
	}
	return control("tcp", "", raw)
}

// NoDelayEnabled reports the TCP_NODELAY setting of conn.
func NoDelayEnabled(conn net.Conn) (bool, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false, errors.New("not a socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, errors.Wrap(err, "raw conn")
	}
	var v int
	var gerr error
	if err := raw.Control(func(fd uintptr) {
		v, gerr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	}); err != nil {
		return false, err
	}
	return v != 0, gerr
}
