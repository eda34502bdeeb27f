package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var proxyProtoV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

// ErrProxyHeader a PROXY protocol header was present but unusable
var ErrProxyHeader = errors.New("bad PROXY protocol header")

// ProxyProtocolListener strips an optional HAProxy PROXY header (v1 or v2)
// from every accepted connection, for hubs behind a TCP load balancer.
// The header is consumed on the first Read, under the caller's deadline.
// Afterwards RemoteAddr reports the original client when the header carried
// one.
type ProxyProtocolListener struct {
	net.Listener
}

// WithProxyProtocol wraps ln.
func WithProxyProtocol(ln net.Listener) net.Listener {
	return &ProxyProtocolListener{Listener: ln}
}

func (l *ProxyProtocolListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &proxiedConn{Conn: conn, r: bufio.NewReaderSize(conn, 512)}, nil
}

type proxiedConn struct {
	net.Conn
	r *bufio.Reader

	once   sync.Once
	parsed atomic.Bool
	remote net.Addr
	err    error
}

func (c *proxiedConn) Read(b []byte) (int, error) {
	c.once.Do(func() {
		c.remote, c.err = readProxyHeader(c.r)
		c.parsed.Store(true)
	})
	if c.err != nil {
		return 0, c.err
	}
	return c.r.Read(b)
}

func (c *proxiedConn) RemoteAddr() net.Addr {
	if c.parsed.Load() && c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

// readProxyHeader consumes a header if one is present and returns the
// source address it names, nil when there is none.
func readProxyHeader(r *bufio.Reader) (net.Addr, error) {
	first, err := r.Peek(1)
	if err != nil {
		// surfaced again by the next Read
		return nil, nil
	}

	switch first[0] {
	case 'P':
		if b, err := r.Peek(6); err != nil || string(b) != "PROXY " {
			return nil, nil
		}
		line, err := r.ReadString('\n')
		if err != nil || len(line) > 107 {
			return nil, fmt.Errorf("%w: v1 line", ErrProxyHeader)
		}
		return parseProxyV1(strings.TrimRight(line, "\r\n"))
	case proxyProtoV2Sig[0]:
		b, err := r.Peek(16)
		if err != nil || !bytes.Equal(b[:len(proxyProtoV2Sig)], proxyProtoV2Sig) {
			return nil, nil
		}
		hdr := make([]byte, 16+int(binary.BigEndian.Uint16(b[14:16])))
		if _, err := io.ReadFull(r, hdr); err != nil {
			return nil, fmt.Errorf("%w: v2 truncated", ErrProxyHeader)
		}
		return parseProxyV2(hdr[13], hdr[16:]), nil
	}
	return nil, nil
}

// parseProxyV1 reads "PROXY TCP4 src dst sport dport". UNKNOWN keeps the
// transport address.
func parseProxyV1(line string) (net.Addr, error) {
	parts := strings.Fields(line)
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return nil, nil
	}
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrProxyHeader, line)
	}
	ip := net.ParseIP(parts[2])
	port, err := strconv.Atoi(parts[4])
	if ip == nil || err != nil {
		return nil, fmt.Errorf("%w: %q", ErrProxyHeader, line)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// parseProxyV2 decodes the source of an INET or INET6 address block.
func parseProxyV2(famProto byte, addr []byte) net.Addr {
	switch famProto >> 4 {
	case 0x1:
		if len(addr) >= 12 {
			return &net.TCPAddr{IP: net.IP(addr[0:4]), Port: int(binary.BigEndian.Uint16(addr[8:10]))}
		}
	case 0x2:
		if len(addr) >= 36 {
			return &net.TCPAddr{IP: net.IP(addr[0:16]), Port: int(binary.BigEndian.Uint16(addr[32:34]))}
		}
	}
	return nil
}
