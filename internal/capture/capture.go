// Package capture turns breakpoint hits on a client's send and receive
// routines into raw packet captures.
package capture

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/echotools/uospy/internal/client"
	"github.com/echotools/uospy/internal/debugger"
	"go.uber.org/zap"
)

// Direction is the side of the connection that produced a capture.
type Direction byte

const (
	FromServer Direction = iota
	FromClient
)

func (d Direction) String() string {
	if d == FromClient {
		return "client"
	}
	return "server"
}

// Login packet ids. Their payloads carry account credentials.
const (
	AccountLoginID byte = 0x80
	GameLoginID    byte = 0x91
)

// IsFramingID reports whether id opens a connection with credentials.
// Such packets are never emitted by the classic strategy and are truncated
// to their id in capture logs.
func IsFramingID(id byte) bool {
	return id == AccountLoginID || id == GameLoginID
}

// RawCapture is one message observed at a hooked routine.
type RawCapture struct {
	Direction Direction
	Time      time.Time
	Data      []byte
}

func (c RawCapture) FromClient() bool {
	return c.Direction == FromClient
}

type memoryReader interface {
	ReadMemory(addr uint32, n int) ([]byte, error)
}

type instrumenter interface {
	InstallBreakpoint(addr uint32) error
	PatchCode(addr uint32, code []byte) error
}

// Strategy installs the hooks for one client build and emits a RawCapture
// per hit. It implements debugger.Handler.
type Strategy struct {
	keys   client.Keys
	out    chan<- RawCapture
	logger *zap.Logger
	now    func() time.Time

	// locate returns the payload address and length for a hook.
	locate func(mem memoryReader, ptr uint32, length uint16) (uint32, int, error)
}

// NewStrategy builds the strategy matching keys.Generation. Captures are sent
// on out in hit order. Sends block the debug loop, so out should be drained
// promptly.
func NewStrategy(keys client.Keys, out chan<- RawCapture, logger *zap.Logger) (*Strategy, error) {
	if !keys.Send.Found() || !keys.Receive.Found() {
		return nil, fmt.Errorf("%s keys are missing a send or receive address", keys.Generation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Strategy{
		keys:   keys,
		out:    out,
		logger: logger,
		now:    time.Now,
	}
	switch keys.Generation {
	case client.Classic:
		s.locate = locateDirect
	case client.Enhanced:
		s.locate = locateDescriptor
	default:
		return nil, fmt.Errorf("unsupported client generation %s", keys.Generation)
	}
	return s, nil
}

// Attached arms both hooks and, for the classic client, neutralizes its
// anti-debug checks.
func (s *Strategy) Attached(sess *debugger.Session) error {
	return s.install(sess)
}

func (s *Strategy) install(target instrumenter) error {
	for _, p := range s.keys.AntiDebug {
		if err := target.PatchCode(p.Address, p.Bytes); err != nil {
			return fmt.Errorf("anti-debug patch at 0x%08X: %w", p.Address, err)
		}
	}
	if err := target.InstallBreakpoint(s.keys.Send.Address); err != nil {
		return fmt.Errorf("send hook: %w", err)
	}
	if err := target.InstallBreakpoint(s.keys.Receive.Address); err != nil {
		return fmt.Errorf("receive hook: %w", err)
	}
	s.logger.Info("Hooks installed",
		zap.Stringer("generation", s.keys.Generation),
		zap.Stringer("send", s.keys.Send),
		zap.Stringer("receive", s.keys.Receive),
		zap.Int("patches", len(s.keys.AntiDebug)))
	return nil
}

// BreakpointHit reads the payload described by the hit's registers. A failed
// read drops this capture only. When out is full the hit waits for room, or
// drops the capture once the session is stopping.
func (s *Strategy) BreakpointHit(hit *debugger.Hit) error {
	c, ok := s.capture(hit.Address, hit.Context, hit)
	if !ok {
		return nil
	}
	s.emit(c, hit.Stopping())
	return nil
}

func (s *Strategy) emit(c RawCapture, stopping <-chan struct{}) {
	select {
	case s.out <- c:
		return
	default:
	}
	select {
	case s.out <- c:
	case <-stopping:
		s.logger.Warn("Dropped capture while stopping", zap.Stringer("direction", c.Direction), zap.Int("length", len(c.Data)))
	}
}

func (s *Strategy) capture(addr uint32, ctx *debugger.Context, mem memoryReader) (RawCapture, bool) {
	var (
		hook client.Hook
		dir  Direction
	)
	switch addr {
	case s.keys.Send.Address:
		hook, dir = s.keys.Send, FromClient
	case s.keys.Receive.Address:
		hook, dir = s.keys.Receive, FromServer
	default:
		return RawCapture{}, false
	}

	ptr := ctx.Get(hook.Data)
	length := uint16(ctx.Get(hook.Length))

	start, n, err := s.locate(mem, ptr, length)
	if err != nil {
		s.logger.Warn("Failed to locate payload", zap.Stringer("direction", dir), zap.Uint32("pointer", ptr), zap.Error(err))
		return RawCapture{}, false
	}
	if n == 0 {
		return RawCapture{}, false
	}
	data, err := mem.ReadMemory(start, n)
	if err != nil {
		s.logger.Warn("Failed to read payload", zap.Stringer("direction", dir), zap.Uint32("address", start), zap.Int("length", n), zap.Error(err))
		return RawCapture{}, false
	}

	if s.keys.Generation == client.Classic && dir == FromClient && IsFramingID(data[0]) {
		s.logger.Debug("Suppressed login packet", zap.Uint8("id", data[0]))
		return RawCapture{}, false
	}

	return RawCapture{Direction: dir, Time: s.now(), Data: data}, true
}

// locateDirect is used when the data register holds the payload itself.
func locateDirect(_ memoryReader, ptr uint32, length uint16) (uint32, int, error) {
	return ptr, int(length), nil
}

// locateDescriptor follows a descriptor whose start and end pointers sit at
// ptr+4 and ptr+8.
func locateDescriptor(mem memoryReader, ptr uint32, _ uint16) (uint32, int, error) {
	raw, err := mem.ReadMemory(ptr+4, 8)
	if err != nil {
		return 0, 0, err
	}
	start := binary.LittleEndian.Uint32(raw[0:])
	end := binary.LittleEndian.Uint32(raw[4:])
	if end < start {
		return 0, 0, fmt.Errorf("descriptor end 0x%08X precedes start 0x%08X", end, start)
	}
	if end-start > 0xFFFF {
		return 0, 0, fmt.Errorf("descriptor spans %d bytes", end-start)
	}
	return start, int(end - start), nil
}
