//go:build !linux

// License: Apache-2.0

package transport

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
)

func control(network, address string, c syscall.RawConn) error { return nil }

func listenControl(network, address string, c syscall.RawConn) error { return nil }

// NoDelay disables Nagle through the net package on non-linux systems.
func NoDelay(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		return errors.Wrap(tc.SetNoDelay(true), "set nodelay")
	}
	return nil
}

// NoDelayEnabled is not supported outside linux.
func NoDelayEnabled(conn net.Conn) (bool, error) {
	return false, errors.New("not supported")
}
