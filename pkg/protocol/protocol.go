package protocol

import (
	"errors"
	"fmt"
)

// Opcode is the single leading byte of every frame.
type Opcode byte

// Hub-to-hub gossip link
const (
	OpConnect            Opcode = 0x01 // CONNECT(hubAddress)
	OpConnectionAccepted Opcode = 0x02
	OpConnectionRefused  Opcode = 0x03 // CONNECTION_REFUSED(reason)
	OpGossip             Opcode = 0x04 // GOSSIP(address, hops, state, clients)
	OpPing               Opcode = 0x05 // PING(senderAddress)
	OpClientMessage      Opcode = 0x06 // CLIENT_MESSAGE(envelope, hopsLeft)
)

// Client-to-hub service link
const (
	OpServiceConnect   Opcode = 0x10 // SERVICE_CONNECT(clientID)
	OpServiceAccepted  Opcode = 0x11 // ACCEPTED(hubAddress)
	OpServiceRefused   Opcode = 0x12 // REFUSED(reason)
	OpMessage          Opcode = 0x13 // MESSAGE(envelope)
	OpDisconnect       Opcode = 0x14
	OpPropertyRegister Opcode = 0x15 // (reqID, key, value)
	OpPropertyUpdate   Opcode = 0x16 // (reqID, key, value)
	OpPropertyRemove   Opcode = 0x17 // (reqID, key)
	OpPropertyQuery    Opcode = 0x18 // (reqID, client, key)
	OpPropertyResult   Opcode = 0x19 // (reqID, ok, value, reason)
	OpLookup           Opcode = 0x1a // (reqID, name)
	OpLookupResult     Opcode = 0x1b // (reqID, records)
)

// Virtual connection handshake and router splice requests
const (
	OpVirtualConnect Opcode = 0x20 // VIRTUAL_CONNECT(machine, port, source, token) -> result code
	OpRouteRequest   Opcode = 0x30 // ROUTE_REQUEST(target, timeoutMillis)
	OpRouteAccepted  Opcode = 0x31
	OpRouteFailed    Opcode = 0x32 // ROUTE_FAILED(reason)
)

var opcodeNames = map[Opcode]string{
	OpConnect:            "CONNECT",
	OpConnectionAccepted: "CONNECTION_ACCEPTED",
	OpConnectionRefused:  "CONNECTION_REFUSED",
	OpGossip:             "GOSSIP",
	OpPing:               "PING",
	OpClientMessage:      "CLIENT_MESSAGE",
	OpServiceConnect:     "SERVICE_CONNECT",
	OpServiceAccepted:    "ACCEPTED",
	OpServiceRefused:     "REFUSED",
	OpMessage:            "MESSAGE",
	OpDisconnect:         "DISCONNECT",
	OpPropertyRegister:   "PROPERTY_REGISTER",
	OpPropertyUpdate:     "PROPERTY_UPDATE",
	OpPropertyRemove:     "PROPERTY_REMOVE",
	OpPropertyQuery:      "PROPERTY_QUERY",
	OpPropertyResult:     "PROPERTY_RESULT",
	OpLookup:             "LOOKUP",
	OpLookupResult:       "LOOKUP_RESULT",
	OpVirtualConnect:     "VIRTUAL_CONNECT",
	OpRouteRequest:       "ROUTE_REQUEST",
	OpRouteAccepted:      "ROUTE_ACCEPTED",
	OpRouteFailed:        "ROUTE_FAILED",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(0x%02x)", byte(o))
}

// ResultCode is the reply to VIRTUAL_CONNECT.
type ResultCode uint8

const (
	ResultAccept             ResultCode = 0
	ResultPortNotFound       ResultCode = 1
	ResultWrongMachine       ResultCode = 2
	ResultConnectionRejected ResultCode = 3
	ResultServerOverload     ResultCode = 4
)

func (r ResultCode) String() string {
	switch r {
	case ResultAccept:
		return "ACCEPT"
	case ResultPortNotFound:
		return "PORT_NOT_FOUND"
	case ResultWrongMachine:
		return "WRONG_MACHINE"
	case ResultConnectionRejected:
		return "CONNECTION_REJECTED"
	case ResultServerOverload:
		return "SERVER_OVERLOAD"
	}
	return fmt.Sprintf("RESULT(%d)", uint8(r))
}

var (
	// ErrMalformedFrame a field had the wrong type tag or an impossible length
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnexpectedOpcode the opcode is not valid in the current state
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
)

// Unexpected wraps ErrUnexpectedOpcode with the offending opcode.
func Unexpected(op Opcode) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedOpcode, op)
}
