package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// ErrTruncated is returned by a Reader that ran past the end of its buffer.
var ErrTruncated = errors.New("packet truncated")

var (
	latin1    encoding.Encoding = charmap.Windows1252
	utf16BE   encoding.Encoding = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	utf16LE   encoding.Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf8Codec encoding.Encoding = unicode.UTF8
)

// Reader reads big-endian fields from a packet buffer. The first failure is
// sticky: later reads return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Offset is the position of the next read.
func (r *Reader) Offset() int { return r.off }

// Len is the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrTruncated, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// Seek moves to an absolute offset.
func (r *Reader) Seek(off int) {
	if r.err != nil {
		return
	}
	if off < 0 || off > len(r.buf) {
		r.err = fmt.Errorf("%w: seek to %d of %d", ErrTruncated, off, len(r.buf))
		return
	}
	r.off = off
}

func (r *Reader) Uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Int8() int8 { return int8(r.Uint8()) }

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	if b := r.take(n); b != nil {
		return append([]byte(nil), b...)
	}
	return nil
}

// Rest returns a copy of all unread bytes.
func (r *Reader) Rest() []byte { return r.Bytes(r.Len()) }

// ASCII reads a fixed-size, NUL-padded Windows-1252 string.
func (r *Reader) ASCII(n int) string {
	return r.decode(latin1, trimAt(r.take(n), 1))
}

// ASCIIZ reads a NUL-terminated Windows-1252 string. A missing terminator
// consumes the rest of the buffer.
func (r *Reader) ASCIIZ() string {
	return r.decode(latin1, r.terminated(1))
}

// UTF8Z reads a NUL-terminated UTF-8 string.
func (r *Reader) UTF8Z() string {
	return r.decode(utf8Codec, r.terminated(1))
}

// Unicode reads a fixed-size string of n big-endian UTF-16 code units.
func (r *Reader) Unicode(n int) string {
	return r.decode(utf16BE, trimAt(r.take(2*n), 2))
}

// UnicodeZ reads a big-endian UTF-16 string ending in a zero code unit.
func (r *Reader) UnicodeZ() string {
	return r.decode(utf16BE, r.terminated(2))
}

// UnicodeLEZ reads a little-endian UTF-16 string ending in a zero code unit.
func (r *Reader) UnicodeLEZ() string {
	return r.decode(utf16LE, r.terminated(2))
}

func (r *Reader) decode(enc encoding.Encoding, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("decode string at offset %d: %w", r.off, err)
		}
		return ""
	}
	return string(out)
}

// terminated consumes up to and including a zero unit of the given size and
// returns the bytes before it.
func (r *Reader) terminated(unit int) []byte {
	if r.err != nil {
		return nil
	}
	rest := r.buf[r.off:]
	for i := 0; i+unit <= len(rest); i += unit {
		if isZero(rest[i : i+unit]) {
			r.off += i + unit
			return rest[:i]
		}
	}
	n := len(rest) - len(rest)%unit
	r.off += n
	return rest[:n]
}

func trimAt(b []byte, unit int) []byte {
	for i := 0; i+unit <= len(b); i += unit {
		if isZero(b[i : i+unit]) {
			return b[:i]
		}
	}
	return b
}

func isZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
