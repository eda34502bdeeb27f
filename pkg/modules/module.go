package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
)

// Type classifies how a module reaches its target.
type Type int

const (
	// TypeDirect modules end with a transport connection between the two machines
	TypeDirect Type = iota
	// TypeIndirect modules relay through a third party
	TypeIndirect
)

func (t Type) String() string {
	if t == TypeIndirect {
		return "indirect"
	}
	return "direct"
}

// Outcome of a single module attempt.
type Outcome int

const (
	Connected Outcome = iota
	NotSuitable
	Refused
)

func (o Outcome) String() string {
	switch o {
	case Connected:
		return "connected"
	case NotSuitable:
		return "not_suitable"
	case Refused:
		return "refused"
	}
	return "unknown"
}

var (
	// ErrNotSuitable the module cannot reach the target; the next module may
	ErrNotSuitable = errors.New("module not suitable")

	// ErrRefused the target was reached and refused the connection
	ErrRefused = errors.New("connection refused")

	// ErrNoServiceLink the module needs a service link and there is none
	ErrNoServiceLink = errors.New("no service link")
)

// Result is what Module.Connect returns: exactly one of a connection, a
// not-suitable reason or a refusal reason.
type Result struct {
	Outcome Outcome
	Conn    net.Conn
	Err     error
}

func ConnectedWith(conn net.Conn) Result {
	return Result{Outcome: Connected, Conn: conn}
}

func NotSuitableBecause(err error) Result {
	return Result{Outcome: NotSuitable, Err: fmt.Errorf("%w: %w", ErrNotSuitable, err)}
}

func RefusedBecause(err error) Result {
	return Result{Outcome: Refused, Err: fmt.Errorf("%w: %w", ErrRefused, err)}
}

// Module is one technique for opening a virtual connection.
type Module interface {
	Name() string
	Type() Type
	RequiresServiceLink() bool
	Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, props config.Properties) Result
}

// Property keys that restrict which modules a connection attempt may use.
// Values are comma-separated module names or types.
const (
	PropAllow     = "modules.allow"
	PropSkip      = "modules.skip"
	PropAllowType = "modules.allow_type"
	PropSkipType  = "modules.skip_type"
)

// Allowed reports whether props permit m, and if not, why.
func Allowed(m Module, props config.Properties) (bool, string) {
	name, typ := m.Name(), m.Type().String()
	if allow := props.GetList(PropAllow); len(allow) > 0 && !contains(allow, name) {
		return false, "not in " + PropAllow
	}
	if contains(props.GetList(PropSkip), name) {
		return false, "in " + PropSkip
	}
	if allow := props.GetList(PropAllowType); len(allow) > 0 && !contains(allow, typ) {
		return false, "type " + typ + " not in " + PropAllowType
	}
	if contains(props.GetList(PropSkipType), typ) {
		return false, "type " + typ + " in " + PropSkipType
	}
	return true, ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// clamp returns the smaller positive timeout.
func clamp(own, given time.Duration) time.Duration {
	switch {
	case own <= 0:
		return given
	case given <= 0:
		return own
	case own < given:
		return own
	}
	return given
}
