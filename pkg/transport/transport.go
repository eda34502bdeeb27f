package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Factory creates raw byte-stream connections and listeners.
type Factory interface {
	Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TCP is the default Factory.
type TCP struct {
	KeepAlive time.Duration
}

// NewTCP returns a TCP factory with a 30s keepalive.
func NewTCP() *TCP {
	return &TCP{KeepAlive: 30 * time.Second}
}

func (t *TCP) Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: t.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (t *TCP) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// AdvertiseAddr returns the address peers should use to reach ln. An
// unspecified host (":0", "0.0.0.0") is replaced with host.
func AdvertiseAddr(ln net.Listener, host string) string {
	addr := ln.Addr().String()
	h, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) {
		h = host
	}
	return net.JoinHostPort(h, port)
}

// RemoteAddr returns the remote address of conn or "".
func RemoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
