package protocol

import (
	"encoding/binary"

	"github.com/automoto/netsync/shared/gamemath"
	"github.com/rotisserie/eris"
)

// Writer appends little-endian and varint encoded values to a byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *Writer) Varint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// Fixed writes v quantized to multiples of step.
func (w *Writer) Fixed(v, step float64) {
	w.Varint(int64(gamemath.Quantize(v, step)))
}

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes values written by Writer. The first failure is sticky:
// later reads return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) fail(what string) {
	if r.err == nil {
		r.err = eris.Wrapf(ErrMalformedPayload, "short read of %s at offset %d", what, r.off)
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail(what)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("uvarint")
		return 0
	}
	r.off += n
	return v
}

func (r *Reader) Varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("varint")
		return 0
	}
	r.off += n
	return v
}

// Fixed reads a value written by Writer.Fixed with the same step.
func (r *Reader) Fixed(step float64) float64 {
	v := r.Varint()
	if v > gamemath.MaxQuantized || v < -gamemath.MaxQuantized {
		r.fail("fixed-point value")
		return 0
	}
	return gamemath.Dequantize(int32(v), step)
}

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) []byte {
	return r.take(n, "bytes")
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int {
	return r.off
}

// Err returns the first read failure.
func (r *Reader) Err() error {
	return r.err
}

// Done returns the read failure, or an error if unread bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.Remaining() != 0 {
		return eris.Wrapf(ErrMalformedPayload, "%d trailing bytes", r.Remaining())
	}
	return nil
}

// UvarintLen returns the number of bytes Writer.Uvarint uses for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
