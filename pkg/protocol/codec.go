package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag precedes every field after the opcode.
type Tag byte

const (
	TagString Tag = 's'
	TagInt    Tag = 'i' // zig-zag varint
	TagUint   Tag = 'u' // varint
	TagBytes  Tag = 'b'
	TagList   Tag = 'l' // element count, elements follow
)

// MaxFieldSize bounds strings, byte fields and list lengths.
const MaxFieldSize = 1 << 20

// Encoder writes frames. The first error is sticky and returned by Flush.
type Encoder struct {
	w   *bufio.Writer
	err error
	tmp [binary.MaxVarintLen64]byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Opcode(op Opcode) *Encoder {
	if e.err == nil {
		e.err = e.w.WriteByte(byte(op))
	}
	return e
}

func (e *Encoder) String(s string) *Encoder {
	e.tag(TagString)
	e.uvarint(uint64(len(s)))
	if e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
	return e
}

func (e *Encoder) Int(v int64) *Encoder {
	e.tag(TagInt)
	if e.err == nil {
		n := binary.PutVarint(e.tmp[:], v)
		_, e.err = e.w.Write(e.tmp[:n])
	}
	return e
}

func (e *Encoder) Uint(v uint64) *Encoder {
	e.tag(TagUint)
	e.uvarint(v)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Uint(1)
	}
	return e.Uint(0)
}

func (e *Encoder) Bytes(b []byte) *Encoder {
	e.tag(TagBytes)
	e.uvarint(uint64(len(b)))
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
	return e
}

// List writes a list header; the caller writes n elements after it.
func (e *Encoder) List(n int) *Encoder {
	e.tag(TagList)
	e.uvarint(uint64(n))
	return e
}

// Flush writes buffered bytes and returns the first error seen.
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) tag(t Tag) {
	if e.err == nil {
		e.err = e.w.WriteByte(byte(t))
	}
}

func (e *Encoder) uvarint(v uint64) {
	if e.err == nil {
		n := binary.PutUvarint(e.tmp[:], v)
		_, e.err = e.w.Write(e.tmp[:n])
	}
}

// Decoder reads frames. Field readers return zero values once an error has
// been recorded; check Err after reading a frame.
type Decoder struct {
	r   *bufio.Reader
	err error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Opcode reads the next frame's opcode. Transport errors are returned unwrapped.
func (d *Decoder) Opcode() (Opcode, error) {
	if d.err != nil {
		return 0, d.err
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.err = err
		return 0, err
	}
	return Opcode(b), nil
}

func (d *Decoder) String() string {
	if !d.expect(TagString) {
		return ""
	}
	b := d.raw()
	return string(b)
}

func (d *Decoder) Int() int64 {
	if !d.expect(TagInt) {
		return 0
	}
	v, err := binary.ReadVarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

func (d *Decoder) Uint() uint64 {
	if !d.expect(TagUint) {
		return 0
	}
	return d.uvarint()
}

func (d *Decoder) Bool() bool {
	return d.Uint() != 0
}

func (d *Decoder) Bytes() []byte {
	if !d.expect(TagBytes) {
		return nil
	}
	return d.raw()
}

// List reads a list header and returns the element count.
func (d *Decoder) List() int {
	if !d.expect(TagList) {
		return 0
	}
	n := d.uvarint()
	if n > MaxFieldSize {
		d.fail(fmt.Errorf("%w: list of %d elements", ErrMalformedFrame, n))
		return 0
	}
	return int(n)
}

func (d *Decoder) Err() error {
	return d.err
}

// Buffered returns bytes already read from the stream but not yet decoded.
// Used when a connection leaves framed mode after a handshake.
func (d *Decoder) Buffered() []byte {
	n := d.r.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := d.r.Peek(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) expect(t Tag) bool {
	if d.err != nil {
		return false
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return false
	}
	if Tag(b) != t {
		d.fail(fmt.Errorf("%w: expected tag %q, got 0x%02x", ErrMalformedFrame, byte(t), b))
		return false
	}
	return true
}

func (d *Decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

func (d *Decoder) raw() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > MaxFieldSize {
		d.fail(fmt.Errorf("%w: field of %d bytes", ErrMalformedFrame, n))
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.fail(err)
		return nil
	}
	return buf
}

func (d *Decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if err == io.EOF {
		// EOF inside a frame is a truncated frame
		err = io.ErrUnexpectedEOF
	}
	d.err = err
}
