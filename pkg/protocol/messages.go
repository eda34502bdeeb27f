package protocol

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ops-vsock/pkg/types"
)

// Gossip advertises one directory entry as known by the sender.
type Gossip struct {
	Address string
	Hops    int
	State   uint64
	Clients []types.ClientDescription
}

// Envelope is an application message between two clients. On the service
// link HopsLeft is not transmitted; the hub stamps it.
type Envelope struct {
	Source    string
	SourceHub string
	Target    string
	TargetHub string
	Module    string
	Opcode    int
	Payload   []byte
	HopsLeft  int
}

// VirtualConnect opens a virtual connection on a transport connection.
type VirtualConnect struct {
	Machine string // Machine the initiator believes it reached
	Port    int    // Virtual port
	Source  string // Initiator address, text form
	Token   string // Reverse-connect request id, empty for plain connects
}

// PropertyRequest covers register, update, remove and query.
type PropertyRequest struct {
	ID     uint64
	Client string // query only, empty means the requester itself
	Key    string
	Value  string
}

// PropertyResult answers a PropertyRequest.
type PropertyResult struct {
	ID     uint64
	OK     bool
	Value  string
	Reason string
}

// LookupResult answers a LOOKUP.
type LookupResult struct {
	ID      uint64
	Records []types.ServiceRecord
}

func WriteGossip(e *Encoder, g Gossip) error {
	e.Opcode(OpGossip).String(g.Address).Int(int64(g.Hops)).Uint(g.State)
	writeClients(e, g.Clients)
	return e.Flush()
}

func ReadGossip(d *Decoder) (Gossip, error) {
	g := Gossip{
		Address: d.String(),
		Hops:    int(d.Int()),
		State:   d.Uint(),
	}
	g.Clients = readClients(d)
	return g, d.Err()
}

func writeClients(e *Encoder, clients []types.ClientDescription) {
	e.List(len(clients))
	for _, c := range clients {
		e.String(c.ID).List(len(c.Services))
		for _, s := range c.Services {
			e.String(s.Name).String(s.Value)
		}
	}
}

// maxListPrealloc bounds what a peer-supplied list length can reserve up front.
const maxListPrealloc = 64

func readClients(d *Decoder) []types.ClientDescription {
	n := d.List()
	if d.Err() != nil || n == 0 {
		return nil
	}
	out := make([]types.ClientDescription, 0, min(n, maxListPrealloc))
	for i := 0; i < n && d.Err() == nil; i++ {
		c := types.ClientDescription{ID: d.String()}
		m := d.List()
		for j := 0; j < m && d.Err() == nil; j++ {
			c.Services = append(c.Services, types.ServiceBinding{Name: d.String(), Value: d.String()})
		}
		out = append(out, c)
	}
	return out
}

func writeEnvelope(e *Encoder, m Envelope) {
	e.String(m.Source).String(m.SourceHub).String(m.Target).String(m.TargetHub).
		String(m.Module).Int(int64(m.Opcode)).Bytes(m.Payload)
}

func readEnvelope(d *Decoder) Envelope {
	return Envelope{
		Source:    d.String(),
		SourceHub: d.String(),
		Target:    d.String(),
		TargetHub: d.String(),
		Module:    d.String(),
		Opcode:    int(d.Int()),
		Payload:   d.Bytes(),
	}
}

// WriteClientMessage writes a CLIENT_MESSAGE for a gossip link.
func WriteClientMessage(e *Encoder, m Envelope) error {
	e.Opcode(OpClientMessage)
	writeEnvelope(e, m)
	e.Int(int64(m.HopsLeft))
	return e.Flush()
}

func ReadClientMessage(d *Decoder) (Envelope, error) {
	m := readEnvelope(d)
	m.HopsLeft = int(d.Int())
	return m, d.Err()
}

// WriteMessage writes a service link MESSAGE.
func WriteMessage(e *Encoder, m Envelope) error {
	e.Opcode(OpMessage)
	writeEnvelope(e, m)
	return e.Flush()
}

func ReadMessage(d *Decoder) (Envelope, error) {
	m := readEnvelope(d)
	return m, d.Err()
}

func WriteVirtualConnect(e *Encoder, v VirtualConnect) error {
	e.Opcode(OpVirtualConnect).String(v.Machine).Int(int64(v.Port)).String(v.Source).String(v.Token)
	return e.Flush()
}

// ReadVirtualConnect reads a full VIRTUAL_CONNECT frame including its opcode.
func ReadVirtualConnect(d *Decoder) (VirtualConnect, error) {
	op, err := d.Opcode()
	if err != nil {
		return VirtualConnect{}, err
	}
	if op != OpVirtualConnect {
		return VirtualConnect{}, Unexpected(op)
	}
	v := VirtualConnect{
		Machine: d.String(),
		Port:    int(d.Int()),
		Source:  d.String(),
		Token:   d.String(),
	}
	return v, d.Err()
}

// WriteResultCode answers a VIRTUAL_CONNECT.
func WriteResultCode(e *Encoder, code ResultCode) error {
	e.Uint(uint64(code))
	return e.Flush()
}

func ReadResultCode(d *Decoder) (ResultCode, error) {
	v := d.Uint()
	if err := d.Err(); err != nil {
		return 0, err
	}
	if v > uint64(ResultServerOverload) {
		return 0, fmt.Errorf("%w: result code %d", ErrMalformedFrame, v)
	}
	return ResultCode(v), nil
}

// WritePropertyRequest writes one of the PROPERTY_* request frames.
func WritePropertyRequest(e *Encoder, op Opcode, r PropertyRequest) error {
	e.Opcode(op).Uint(r.ID)
	switch op {
	case OpPropertyRegister, OpPropertyUpdate:
		e.String(r.Key).String(r.Value)
	case OpPropertyRemove:
		e.String(r.Key)
	case OpPropertyQuery:
		e.String(r.Client).String(r.Key)
	default:
		return Unexpected(op)
	}
	return e.Flush()
}

func ReadPropertyRequest(d *Decoder, op Opcode) (PropertyRequest, error) {
	r := PropertyRequest{ID: d.Uint()}
	switch op {
	case OpPropertyRegister, OpPropertyUpdate:
		r.Key = d.String()
		r.Value = d.String()
	case OpPropertyRemove:
		r.Key = d.String()
	case OpPropertyQuery:
		r.Client = d.String()
		r.Key = d.String()
	default:
		return r, Unexpected(op)
	}
	return r, d.Err()
}

func WritePropertyResult(e *Encoder, r PropertyResult) error {
	e.Opcode(OpPropertyResult).Uint(r.ID).Bool(r.OK).String(r.Value).String(r.Reason)
	return e.Flush()
}

func ReadPropertyResult(d *Decoder) (PropertyResult, error) {
	r := PropertyResult{
		ID:     d.Uint(),
		OK:     d.Bool(),
		Value:  d.String(),
		Reason: d.String(),
	}
	return r, d.Err()
}

func WriteLookup(e *Encoder, id uint64, name string) error {
	e.Opcode(OpLookup).Uint(id).String(name)
	return e.Flush()
}

func ReadLookup(d *Decoder) (uint64, string, error) {
	id := d.Uint()
	name := d.String()
	return id, name, d.Err()
}

func WriteLookupResult(e *Encoder, r LookupResult) error {
	e.Opcode(OpLookupResult).Uint(r.ID).List(len(r.Records))
	for _, rec := range r.Records {
		e.String(rec.Client).String(rec.Hub).String(rec.Name).String(rec.Value)
	}
	return e.Flush()
}

func ReadLookupResult(d *Decoder) (LookupResult, error) {
	r := LookupResult{ID: d.Uint()}
	n := d.List()
	for i := 0; i < n && d.Err() == nil; i++ {
		r.Records = append(r.Records, types.ServiceRecord{
			Client: d.String(),
			Hub:    d.String(),
			Name:   d.String(),
			Value:  d.String(),
		})
	}
	return r, d.Err()
}

// WriteRouteRequest asks a router to connect the second leg to target.
func WriteRouteRequest(e *Encoder, target string, timeout time.Duration) error {
	e.Opcode(OpRouteRequest).String(target).Int(timeout.Milliseconds())
	return e.Flush()
}

// ReadRouteRequest reads a full ROUTE_REQUEST frame including its opcode.
func ReadRouteRequest(d *Decoder) (string, time.Duration, error) {
	op, err := d.Opcode()
	if err != nil {
		return "", 0, err
	}
	if op != OpRouteRequest {
		return "", 0, Unexpected(op)
	}
	target := d.String()
	ms := d.Int()
	return target, time.Duration(ms) * time.Millisecond, d.Err()
}

// WriteRouteReply writes ROUTE_ACCEPTED when reason is empty, ROUTE_FAILED otherwise.
func WriteRouteReply(e *Encoder, reason string) error {
	if reason == "" {
		e.Opcode(OpRouteAccepted)
	} else {
		e.Opcode(OpRouteFailed).String(reason)
	}
	return e.Flush()
}

// ReadRouteReply returns the failure reason, empty on acceptance.
func ReadRouteReply(d *Decoder) (string, error) {
	op, err := d.Opcode()
	if err != nil {
		return "", err
	}
	switch op {
	case OpRouteAccepted:
		return "", nil
	case OpRouteFailed:
		reason := d.String()
		if err := d.Err(); err != nil {
			return "", err
		}
		if reason == "" {
			reason = "unspecified"
		}
		return reason, nil
	}
	return "", Unexpected(op)
}

// MarshalFields encodes a standalone tagged field sequence, used for module
// payloads carried inside an Envelope.
func MarshalFields(fn func(e *Encoder)) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	fn(e)
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFields decodes a payload produced by MarshalFields.
func UnmarshalFields(payload []byte, fn func(d *Decoder)) error {
	d := NewDecoder(bytes.NewReader(payload))
	fn(d)
	return d.Err()
}
