// File: internal/transport/transport.go
// Package transport
// License: Apache-2.0
//
// TCP dial and listen helpers. Sockets are tuned through x/sys/unix before
// use: protocol messages are small and latency bound, so Nagle is disabled
// on every connection.

package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DialTimeout bounds Dial when the context carries no deadline.
const DialTimeout = 5 * time.Second

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout, Control: control}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

// Listen opens a listener on addr whose accepted sockets have Nagle
// disabled.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &listener{ln}, nil
}

type listener struct {
	net.Listener
}

func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := NoDelay(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
