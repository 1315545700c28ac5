// Package capturelog reads and writes the flat capture log: one record per
// capture holding direction, timestamp, length and payload.
package capturelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/echotools/uospy/internal/capture"
)

var (
	// ErrCorrupt is returned for records that cannot have been written by Writer.
	ErrCorrupt = errors.New("corrupt capture log")

	// ErrTooLarge is returned by Write for payloads a record length cannot hold.
	ErrTooLarge = errors.New("capture too large for log record")
)

const (
	headerSize = 1 + 8 + 4
	// maxPayload bounds a record length; captures never exceed 64KB.
	maxPayload = 0xFFFF

	// ticksAtUnixEpoch is 1970-01-01 in 100ns ticks since 0001-01-01.
	ticksAtUnixEpoch = 621355968000000000
	ticksPerSecond   = 10000000
)

// ToTicks converts t to a tick count of 100ns intervals since 0001-01-01 UTC.
func ToTicks(t time.Time) int64 {
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + ticksAtUnixEpoch
}

// FromTicks is the inverse of ToTicks.
func FromTicks(ticks int64) time.Time {
	ticks -= ticksAtUnixEpoch
	sec, rem := ticks/ticksPerSecond, ticks%ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}

// Writer appends records to an underlying stream. Call Flush before closing
// the stream.
type Writer struct {
	w   *bufio.Writer
	hdr [headerSize]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends c. Login packets are stored as their id byte only.
func (w *Writer) Write(c capture.RawCapture) error {
	data := c.Data
	if len(data) > 0 && capture.IsFramingID(data[0]) {
		data = data[:1]
	}
	if len(data) > maxPayload {
		return fmt.Errorf("%w: payload of %d bytes", ErrTooLarge, len(data))
	}

	if c.Direction == capture.FromClient {
		w.hdr[0] = 1
	} else {
		w.hdr[0] = 0
	}
	binary.LittleEndian.PutUint64(w.hdr[1:], uint64(ToTicks(c.Time)))
	binary.LittleEndian.PutUint32(w.hdr[9:], uint32(len(data)))

	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return err
	}
	_, err := w.w.Write(data)
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader reads records in the order they were written.
type Reader struct {
	r   *bufio.Reader
	hdr [headerSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF at a record boundary and
// io.ErrUnexpectedEOF when the log ends inside a record.
func (r *Reader) Next() (capture.RawCapture, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return capture.RawCapture{}, err
	}

	var c capture.RawCapture
	switch r.hdr[0] {
	case 0:
		c.Direction = capture.FromServer
	case 1:
		c.Direction = capture.FromClient
	default:
		return c, fmt.Errorf("%w: direction byte 0x%02X", ErrCorrupt, r.hdr[0])
	}
	c.Time = FromTicks(int64(binary.LittleEndian.Uint64(r.hdr[1:])))

	n := binary.LittleEndian.Uint32(r.hdr[9:])
	if n > maxPayload {
		return c, fmt.Errorf("%w: record length %d", ErrCorrupt, n)
	}
	c.Data = make([]byte, n)
	if _, err := io.ReadFull(r.r, c.Data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return c, err
	}
	return c, nil
}

// ReadAll reads every record until a clean end of log.
func ReadAll(r io.Reader) ([]capture.RawCapture, error) {
	lr := NewReader(r)
	var out []capture.RawCapture
	for {
		c, err := lr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}
