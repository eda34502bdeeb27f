package address

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrInvalidAddress text form could not be parsed
	ErrInvalidAddress = errors.New("invalid virtual socket address")

	// ErrInvalidEncoding binary form could not be decoded
	ErrInvalidEncoding = errors.New("invalid virtual socket address encoding")
)

const binaryMagic byte = 0x56

// VirtualSocketAddress identifies a virtual port on a machine, optionally
// qualified by the hub the machine is attached to and a cluster tag.
//
// Machine and Hub are transport endpoints in host:port form. The zero value
// is not a valid address.
type VirtualSocketAddress struct {
	Machine string
	Port    int
	Hub     string
	Cluster string
}

// New builds an address and validates the endpoints.
func New(machine string, port int, hub, cluster string) (VirtualSocketAddress, error) {
	a := VirtualSocketAddress{Machine: machine, Port: port, Hub: hub, Cluster: cluster}
	if err := a.Validate(); err != nil {
		return VirtualSocketAddress{}, err
	}
	return a, nil
}

// MustParse is Parse for tests and constants.
func MustParse(s string) VirtualSocketAddress {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate checks that the endpoints are host:port and the port is in range.
// Endpoints may not contain the text form's hub and cluster separators, so
// zoned IPv6 hosts are rejected.
func (a VirtualSocketAddress) Validate() error {
	if err := checkEndpoint("machine", a.Machine); err != nil {
		return err
	}
	if a.Port < 0 || a.Port > 0xFFFF {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, a.Port)
	}
	if a.Hub != "" {
		if err := checkEndpoint("hub", a.Hub); err != nil {
			return err
		}
	}
	if strings.ContainsAny(a.Cluster, "@%") {
		return fmt.Errorf("%w: cluster %q", ErrInvalidAddress, a.Cluster)
	}
	return nil
}

func checkEndpoint(kind, endpoint string) error {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidAddress, kind, endpoint, err)
	}
	if strings.ContainsAny(endpoint, "@%") {
		return fmt.Errorf("%w: %s %q", ErrInvalidAddress, kind, endpoint)
	}
	return nil
}

// IsZero reports whether a is the zero address.
func (a VirtualSocketAddress) IsZero() bool {
	return a == VirtualSocketAddress{}
}

// Equal reports structural equality.
func (a VirtualSocketAddress) Equal(b VirtualSocketAddress) bool {
	return a == b
}

// WithHub returns a copy of a attached to hub.
func (a VirtualSocketAddress) WithHub(hub string) VirtualSocketAddress {
	a.Hub = hub
	return a
}

// String renders host-port:vport[@hubhost-hubport][%cluster].
func (a VirtualSocketAddress) String() string {
	var b strings.Builder
	b.WriteString(dashed(a.Machine))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(a.Port))
	if a.Hub != "" {
		b.WriteByte('@')
		b.WriteString(dashed(a.Hub))
	}
	if a.Cluster != "" {
		b.WriteByte('%')
		b.WriteString(a.Cluster)
	}
	return b.String()
}

// Parse parses the text form produced by String.
func Parse(s string) (VirtualSocketAddress, error) {
	var a VirtualSocketAddress
	rest := strings.TrimSpace(s)
	if rest == "" {
		return a, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if idx := strings.LastIndex(rest, "%"); idx != -1 {
		a.Cluster = rest[idx+1:]
		rest = rest[:idx]
		if a.Cluster == "" {
			return VirtualSocketAddress{}, fmt.Errorf("%w: empty cluster in %q", ErrInvalidAddress, s)
		}
	}
	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		hub, err := undashed(rest[idx+1:])
		if err != nil {
			return VirtualSocketAddress{}, fmt.Errorf("%w: hub in %q", ErrInvalidAddress, s)
		}
		a.Hub = hub
		rest = rest[:idx]
	}

	idx := strings.LastIndex(rest, ":")
	if idx == -1 {
		return VirtualSocketAddress{}, fmt.Errorf("%w: missing virtual port in %q", ErrInvalidAddress, s)
	}
	port, err := strconv.Atoi(rest[idx+1:])
	if err != nil {
		return VirtualSocketAddress{}, fmt.Errorf("%w: virtual port in %q", ErrInvalidAddress, s)
	}
	a.Port = port

	machine, err := undashed(rest[:idx])
	if err != nil {
		return VirtualSocketAddress{}, fmt.Errorf("%w: machine in %q", ErrInvalidAddress, s)
	}
	a.Machine = machine

	if err := a.Validate(); err != nil {
		return VirtualSocketAddress{}, err
	}
	return a, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a VirtualSocketAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *VirtualSocketAddress) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalBinary encodes a as
//
//	magic(1) | machine(u16 len + bytes) | port(u32) | hub(u16 len + bytes) | cluster(u16 len + bytes)
func (a VirtualSocketAddress) MarshalBinary() ([]byte, error) {
	for _, s := range []string{a.Machine, a.Hub, a.Cluster} {
		if len(s) > 0xFFFF {
			return nil, fmt.Errorf("%w: field too long", ErrInvalidEncoding)
		}
	}
	if a.Port < 0 {
		return nil, fmt.Errorf("%w: negative port", ErrInvalidEncoding)
	}

	buf := make([]byte, 0, 1+2+len(a.Machine)+4+2+len(a.Hub)+2+len(a.Cluster))
	buf = append(buf, binaryMagic)
	buf = appendString(buf, a.Machine)
	buf = binary.BigEndian.AppendUint32(buf, uint32(a.Port))
	buf = appendString(buf, a.Hub)
	buf = appendString(buf, a.Cluster)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *VirtualSocketAddress) UnmarshalBinary(data []byte) error {
	if len(data) < 1 || data[0] != binaryMagic {
		return fmt.Errorf("%w: bad magic", ErrInvalidEncoding)
	}
	data = data[1:]

	var out VirtualSocketAddress
	var ok bool
	if out.Machine, data, ok = readString(data); !ok {
		return fmt.Errorf("%w: machine", ErrInvalidEncoding)
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: port", ErrInvalidEncoding)
	}
	out.Port = int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if out.Hub, data, ok = readString(data); !ok {
		return fmt.Errorf("%w: hub", ErrInvalidEncoding)
	}
	if out.Cluster, data, ok = readString(data); !ok {
		return fmt.Errorf("%w: cluster", ErrInvalidEncoding)
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidEncoding, len(data))
	}
	*a = out
	return nil
}

// FromBinary decodes the binary form.
func FromBinary(data []byte) (VirtualSocketAddress, error) {
	var a VirtualSocketAddress
	err := a.UnmarshalBinary(data)
	return a, err
}

// dashed turns host:port into host-port so the colon stays free for the
// virtual port separator.
func dashed(endpoint string) string {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host + "-" + port
}

func undashed(s string) (string, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return "", ErrInvalidAddress
	}
	host, port := s[:idx], s[idx+1:]
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", ErrInvalidAddress
	}
	return net.JoinHostPort(host, port), nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, bool) {
	if len(data) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, false
	}
	return string(data[:n]), data[n:], true
}
