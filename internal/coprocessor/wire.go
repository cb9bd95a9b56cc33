package coprocessor

import (
	"encoding/binary"
	"fmt"
)

// Message kinds carried over the relay. Every message starts with its kind byte;
// integers are little-endian and byte strings are u32-length-prefixed.
const (
	kindEncrypt           byte = 1
	kindAdd               byte = 2
	kindRequestDecryption byte = 3
	kindIsInitialized     byte = 4
	kindResult            byte = 16

	// maxHandlesPerRequest bounds a decoded handle list.
	maxHandlesPerRequest = 1024
)

// encoder appends wire fields to a buffer.
type encoder struct {
	buf []byte
}

func newEncoder(kind byte) *encoder {
	return &encoder{buf: []byte{kind}}
}

func (e *encoder) u32(v uint32) *encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) u64(v uint64) *encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *encoder) handle(h Handle) *encoder {
	e.buf = append(e.buf, h[:]...)
	return e
}

func (e *encoder) bytes(b []byte) *encoder {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// decoder reads wire fields, remembering the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || len(d.data)-d.off < n {
		d.err = fmt.Errorf("truncated message at offset %d", d.off)
		return nil
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) handle() Handle {
	var h Handle
	copy(h[:], d.take(HandleSize))

	return h
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	b := d.take(int(n))

	return append([]byte(nil), b...)
}

// finish returns the first decode error, or an error if bytes remain.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}

	if d.off != len(d.data) {
		return fmt.Errorf("%d trailing bytes", len(d.data)-d.off)
	}

	return nil
}

func encodeHandles(kind byte, handles []Handle) []byte {
	e := newEncoder(kind).u32(uint32(len(handles)))
	for _, h := range handles {
		e.handle(h)
	}

	return e.buf
}

func decodeHandles(d *decoder) []Handle {
	n := d.u32()
	if n > maxHandlesPerRequest {
		d.err = fmt.Errorf("too many handles: %d", n)
		return nil
	}

	handles := make([]Handle, n)
	for i := range handles {
		handles[i] = d.handle()
	}

	return handles
}

// EncodeResult serializes a decryption result for pushing to the coordinator.
func EncodeResult(r Result) []byte {
	return newEncoder(kindResult).u64(r.RequestID).bytes(r.Cleartexts).bytes(r.Proof).buf
}

// DecodeResult parses a pushed decryption result.
func DecodeResult(data []byte) (Result, error) {
	d := newDecoder(data)

	if kind := d.u8(); d.err == nil && kind != kindResult {
		return Result{}, fmt.Errorf("unexpected message kind %d", kind)
	}

	r := Result{
		RequestID:  d.u64(),
		Cleartexts: d.bytes(),
		Proof:      d.bytes(),
	}

	if err := d.finish(); err != nil {
		return Result{}, fmt.Errorf("decode result:\n%w", err)
	}

	return r, nil
}
