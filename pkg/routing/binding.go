package routing

import (
	"net"
	"strconv"
	"strings"

	"github.com/ops-vsock/pkg/types"
)

// DefaultHubPort is used when a hub address is given without a port.
const DefaultHubPort = "17878"

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeHubAddr normalizes a hub address.
// - If address is only a port number (e.g., "17878"), prepend defaultHost.
// - If address is hostname without port, append DefaultHubPort.
// Returns normalized address in "host:port" format, or "" for empty input.
func NormalizeHubAddr(addr string, defaultHost string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" {
			host = defaultHost
		}
		return net.JoinHostPort(host, port)
	}

	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr)
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultHubPort)
}

// NormalizeHubAddrs normalizes a list of hub addresses, dropping empty and duplicate entries.
func NormalizeHubAddrs(addrs []string, defaultHost string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		n := NormalizeHubAddr(a, defaultHost)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ParseServiceBindings parses the comma-separated service binding string format.
//
// Supported formats (comma-separated):
//  1. name=value   -> Name=name, Value=value (e.g., "ssh=10.0.0.5-4000:22")
//  2. name         -> Name=name, empty value (a marker property such as "router")
//
// Values may contain ':' and '-', so only the first '=' separates name from value.
func ParseServiceBindings(s string) []types.ServiceBinding {
	out := make([]types.ServiceBinding, 0)
	if strings.TrimSpace(s) == "" {
		return out
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			// malformed
			continue
		}
		out = append(out, types.ServiceBinding{
			Name:  name,
			Value: strings.TrimSpace(value),
		})
	}

	return out
}

// FormatServiceBindings is the inverse of ParseServiceBindings.
func FormatServiceBindings(bindings []types.ServiceBinding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if strings.TrimSpace(b.Name) == "" {
			continue
		}
		if b.Value == "" {
			parts = append(parts, b.Name)
			continue
		}
		parts = append(parts, b.Name+"="+b.Value)
	}
	return strings.Join(parts, ",")
}
