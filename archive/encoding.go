package archive

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Binary encoding helpers
// ---------------------------------------------------------------------------

// WriteUint64 writes a uint64 in little-endian format.
func WriteUint64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

// ReadUint64 reads a uint64 in little-endian format.
func ReadUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// WriteUint16 writes a uint16 in little-endian format.
func WriteUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// ReadUint16 reads a uint16 in little-endian format.
func ReadUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// WriteVarInt writes a variable-length unsigned integer.
// Uses 7 bits per byte with high bit as continuation flag.
// Returns the number of bytes written.
func WriteVarInt(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// ReadVarInt reads a variable-length unsigned integer.
// Returns the value and number of bytes consumed, or 0 bytes when buf ends
// inside the value.
func ReadVarInt(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf) && i < 10; i++ {
		b := buf[i]
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// ---------------------------------------------------------------------------
// buffer: append-only little-endian writer
// ---------------------------------------------------------------------------

type buffer struct {
	b []byte
}

func (w *buffer) Len() int      { return len(w.b) }
func (w *buffer) Bytes() []byte { return w.b }

func (w *buffer) pad(n int) {
	w.b = append(w.b, make([]byte, n)...)
}

// alignTo pads with zeros until the length is a multiple of a, measured from
// base.
func (w *buffer) alignTo(base, a int) {
	if rem := (len(w.b) - base) % a; rem != 0 {
		w.pad(a - rem)
	}
}

func (w *buffer) u8(v uint8) { w.b = append(w.b, v) }

func (w *buffer) u16(v uint16) {
	w.b = binary.LittleEndian.AppendUint16(w.b, v)
}

func (w *buffer) u32(v uint32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
}

func (w *buffer) u64(v uint64) {
	w.b = binary.LittleEndian.AppendUint64(w.b, v)
}

func (w *buffer) varint(v uint64) {
	var tmp [10]byte
	n := WriteVarInt(tmp[:], v)
	w.b = append(w.b, tmp[:n]...)
}

// bytes writes a u32 length followed by p.
func (w *buffer) bytes(p []byte) {
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}

func (w *buffer) str(s string) {
	w.u32(uint32(len(s)))
	w.b = append(w.b, s...)
}

// ---------------------------------------------------------------------------
// reader: bounds-checked little-endian reader
// ---------------------------------------------------------------------------

// reader records the first out-of-bounds access in err and returns zero
// values afterwards, so callers check err once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: read of %d bytes at offset %d past end %d", ErrCorrupt, n, r.off, len(r.b))
		return false
	}
	return true
}

func (r *reader) skip(n int) {
	if r.need(n) {
		r.off += n
	}
}

func (r *reader) alignTo(base, a int) {
	if rem := (r.off - base) % a; rem != 0 {
		r.skip(a - rem)
	}
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := ReadUint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := ReadUint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := ReadUint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := ReadVarInt(r.b[r.off:])
	if n == 0 {
		r.err = fmt.Errorf("%w: truncated varint at offset %d", ErrCorrupt, r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}
	p := make([]byte, n)
	copy(p, r.b[r.off:])
	r.off += n
	return p
}

func (r *reader) str() string {
	n := int(r.u32())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}
