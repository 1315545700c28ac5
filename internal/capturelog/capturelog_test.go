package capturelog

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/echotools/uospy/internal/capture"
	"github.com/google/go-cmp/cmp"
)

func TestTicks(t *testing.T) {
	tests := []struct {
		name  string
		time  time.Time
		ticks int64
	}{
		{"unix epoch", time.Unix(0, 0).UTC(), 621355968000000000},
		{"year one", time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"sub-second", time.Date(2020, 1, 1, 0, 0, 0, 1234567, time.UTC), 637134336000000000 + 12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToTicks(tt.time); got != tt.ticks {
				t.Errorf("ToTicks() = %d, want %d", got, tt.ticks)
			}
			want := tt.time.Truncate(100 * time.Nanosecond)
			if got := FromTicks(tt.ticks); !got.Equal(want) {
				t.Errorf("FromTicks() = %v, want %v", got, want)
			}
		})
	}
}

func TestWriteRead(t *testing.T) {
	base := time.Date(2024, 5, 6, 7, 8, 9, 100, time.UTC)
	in := []capture.RawCapture{
		{Direction: capture.FromClient, Time: base, Data: []byte{0x02, 0x05, 0x00}},
		{Direction: capture.FromServer, Time: base.Add(time.Millisecond), Data: []byte{0x1C, 0x00, 0x04, 0xFF}},
		{Direction: capture.FromServer, Time: base.Add(2 * time.Millisecond), Data: []byte{}},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, c := range in {
		if err := w.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got, want := buf.Len(), 3*headerSize+3+4; got != want {
		t.Errorf("log size = %d, want %d", got, want)
	}
	if buf.Bytes()[0] != 1 {
		t.Errorf("first direction byte = %d, want 1", buf.Bytes()[0])
	}

	out, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestLoginTruncated(t *testing.T) {
	login := make([]byte, 62)
	login[0] = capture.AccountLoginID
	copy(login[1:], "account")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(capture.RawCapture{Direction: capture.FromClient, Data: login}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Flush()

	c, err := NewReader(&buf).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if diff := cmp.Diff([]byte{capture.AccountLoginID}, c.Data); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.Write(capture.RawCapture{Direction: capture.FromServer, Data: make([]byte, maxPayload+1)})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Write() error = %v, want ErrTooLarge", err)
	}
	if errors.Is(err, ErrCorrupt) {
		t.Error("oversize payload reported as a corrupt log")
	}

	// Nothing was buffered, so the log stays readable.
	if err := w.Write(capture.RawCapture{Data: []byte{0x73, 0x01}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Flush()
	out, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("ReadAll() returned %d records, want 1", len(out))
	}
}

func TestReaderErrors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Write(capture.RawCapture{Direction: capture.FromServer, Data: []byte{1, 2, 3, 4}})
	w.Flush()
	record := buf.Bytes()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"torn header", record[:5], io.ErrUnexpectedEOF},
		{"torn payload", record[:headerSize+2], io.ErrUnexpectedEOF},
		{"missing payload", record[:headerSize], io.ErrUnexpectedEOF},
		{"bad direction", append([]byte{7}, record[1:]...), ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data)).Next()
			if !errors.Is(err, tt.want) {
				t.Errorf("Next() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadAllStopsAtTornRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Write(capture.RawCapture{Data: []byte{0x73, 0x01}})
	w.Write(capture.RawCapture{Data: []byte{0x73, 0x02}})
	w.Flush()
	data := buf.Bytes()[:buf.Len()-1]

	out, err := ReadAll(bytes.NewReader(data))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadAll() error = %v, want io.ErrUnexpectedEOF", err)
	}
	if len(out) != 1 {
		t.Errorf("ReadAll() returned %d records, want 1", len(out))
	}
}
