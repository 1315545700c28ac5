package debugger

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateAttaching
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason says why a session reached StateStopped.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonStoppedByOperator
	ReasonProcessClosed
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonStoppedByOperator:
		return "stopped by operator"
	case ReasonProcessClosed:
		return "process closed"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// Termination is the terminal state of a session. Cause is set only for
// ReasonError.
type Termination struct {
	Reason Reason
	Cause  error
}

func (t Termination) String() string {
	if t.Cause != nil {
		return fmt.Sprintf("%s: %v", t.Reason, t.Cause)
	}
	return t.Reason.String()
}

// drainWait bounds the wait for each queued event during teardown.
const drainWait = 10 * time.Millisecond

// Config holds the session timing.
type Config struct {
	// PollInterval bounds each wait for a debug event so stop requests are
	// noticed.
	PollInterval time.Duration

	// StepTimeout bounds the wait for the single-step event that follows a
	// breakpoint hit. Exceeding it is fatal to the session.
	StepTimeout time.Duration
}

// DefaultConfig returns a one second poll interval and a 2.5 second step bound.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		StepTimeout:  2500 * time.Millisecond,
	}
}

// Handler receives session callbacks on the event loop goroutine.
type Handler interface {
	// Attached runs once the debugger is attached, before any event is
	// processed. It is the place to install breakpoints and patches.
	Attached(s *Session) error

	// BreakpointHit runs while the thread is stopped on a known breakpoint,
	// before the original instruction executes. Errors are logged and do not
	// end the session.
	BreakpointHit(hit *Hit) error
}

// Hit describes one breakpoint hit.
type Hit struct {
	Address  uint32
	ThreadID uint32
	Context  *Context

	session *Session
}

// ReadMemory reads n bytes of target memory at addr.
func (h *Hit) ReadMemory(addr uint32, n int) ([]byte, error) {
	return h.session.ReadMemory(addr, n)
}

// Stopping is closed once a stop has been requested. Handlers that block
// should give up when it closes so the loop can tear down.
func (h *Hit) Stopping() <-chan struct{} {
	return h.session.stopping
}

type restore struct {
	addr     uint32
	original []byte
}

// Session owns the debug lifecycle of one attached process.
type Session struct {
	target Debuggee
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	state State
	term  Termination

	stopping   chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	terminated chan Termination

	handler Handler

	// Owned by the event loop goroutine.
	breakpoints map[uint32]byte
	patches     map[uint32]struct{}
	restores    []restore
	initialTrap bool
}

// NewSession prepares a session for target. Nothing is attached until Attach.
func NewSession(target Debuggee, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	return &Session{
		target:      target,
		cfg:         cfg,
		logger:      logger.With(zap.Uint32("pid", target.PID())),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		terminated:  make(chan Termination, 1),
		breakpoints: make(map[uint32]byte),
		patches:     make(map[uint32]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Termination returns the terminal state. It is meaningful once Done is closed.
func (s *Session) Termination() Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Done is closed after teardown completes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminated delivers the terminal state exactly once.
func (s *Session) Terminated() <-chan Termination {
	return s.terminated
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("Session state changed", zap.Stringer("from", old), zap.Stringer("to", state))
}

// Attach starts the event loop on its own goroutine and returns immediately.
// Failures surface as a Stopped{Error} termination.
func (s *Session) Attach(handler Handler) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.state = StateAttaching
	s.handler = handler
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop requests teardown and waits for it to finish or for ctx to end.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateStopping
		s.mu.Unlock()
		s.finish(Termination{Reason: ReasonStoppedByOperator})
		return nil
	}
	s.mu.Unlock()

	s.requestStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

func (s *Session) finish(term Termination) {
	s.mu.Lock()
	s.state = StateStopped
	s.term = term
	s.mu.Unlock()

	s.logger.Info("Session stopped", zap.Stringer("termination", term))
	s.terminated <- term
	close(s.done)
}

func (s *Session) run() {
	// The OS ties the debugger relationship to the thread that attached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	term, attached := s.loop()

	s.setState(StateStopping)
	var err error
	if attached {
		err = s.teardown(term.Reason == ReasonProcessClosed)
	} else {
		err = s.target.Close()
	}
	if err != nil {
		s.logger.Error("Teardown failed", zap.Error(err))
		if term.Reason == ReasonError {
			term.Cause = multierr.Append(term.Cause, err)
		} else {
			term = Termination{Reason: ReasonError, Cause: err}
		}
	}
	s.finish(term)
}

func failed(err error) Termination {
	return Termination{Reason: ReasonError, Cause: err}
}

func (s *Session) loop() (Termination, bool) {
	if err := s.target.Attach(); err != nil {
		return failed(fmt.Errorf("%w: %w", ErrAttach, err)), false
	}
	s.setState(StateRunning)
	s.logger.Info("Attached to process")

	if err := s.handler.Attached(s); err != nil {
		return failed(err), true
	}

	for {
		select {
		case <-s.stopping:
			return Termination{Reason: ReasonStoppedByOperator}, true
		default:
		}
		ev, ok, err := s.target.WaitForEvent(s.cfg.PollInterval)
		if err != nil {
			return failed(fmt.Errorf("wait for debug event: %w", err)), true
		}
		if !ok {
			continue
		}
		if err := s.dispatch(ev); err != nil {
			if errors.Is(err, errProcessExited) {
				return Termination{Reason: ReasonProcessClosed}, true
			}
			return failed(err), true
		}
	}
}

func (s *Session) dispatch(ev Event) error {
	if ev.IsBreakpoint() {
		if _, ok := s.breakpoints[ev.Address]; ok {
			return s.hit(ev)
		}
	}
	return s.pass(ev)
}

// pass continues an event that is not one of our breakpoint hits.
func (s *Session) pass(ev Event) error {
	handled := true
	switch ev.Kind {
	case EventExitProcess:
		s.logger.Info("Process exited", zap.Uint32("exitCode", ev.ExitCode))
		if err := s.target.Continue(ev, true); err != nil {
			s.logger.Debug("Continue after exit failed", zap.Error(err))
		}
		return errProcessExited
	case EventException:
		switch {
		case ev.IsBreakpoint() && !s.initialTrap:
			// The attach itself raises one breakpoint in the target.
			s.initialTrap = true
		default:
			// Anything else belongs to the client's own exception handling.
			handled = false
		}
	}
	if err := s.target.Continue(ev, handled); err != nil {
		return fmt.Errorf("continue %s event: %w", ev.Kind, err)
	}
	return nil
}

// hit lets the original instruction at a breakpoint execute exactly once
// while keeping the breakpoint armed for later hits.
func (s *Session) hit(ev Event) error {
	th, err := s.target.Thread(ev.ThreadID)
	if err != nil {
		return fmt.Errorf("open thread %d: %w", ev.ThreadID, err)
	}
	defer th.Close()

	ctx, err := th.Context()
	if err != nil {
		return fmt.Errorf("get context of thread %d: %w", ev.ThreadID, err)
	}

	if err := s.handler.BreakpointHit(&Hit{Address: ev.Address, ThreadID: ev.ThreadID, Context: ctx, session: s}); err != nil {
		s.logger.Warn("Breakpoint handler failed", zap.Uint32("address", ev.Address), zap.Error(err))
	}

	original := s.breakpoints[ev.Address]
	if err := s.target.WriteMemory(ev.Address, []byte{original}); err != nil {
		return fmt.Errorf("disarm breakpoint 0x%08X: %w", ev.Address, err)
	}

	ctx.Eip--
	ctx.EFlags |= TrapFlag
	if err := th.SetContext(ctx); err != nil {
		return fmt.Errorf("set context of thread %d: %w", ev.ThreadID, err)
	}

	if err := s.target.Continue(ev, true); err != nil {
		return fmt.Errorf("continue breakpoint event: %w", err)
	}

	step, err := s.awaitStep(ev.ThreadID)
	if err != nil {
		return err
	}

	if err := s.target.WriteMemory(ev.Address, []byte{Int3}); err != nil {
		return fmt.Errorf("rearm breakpoint 0x%08X: %w", ev.Address, err)
	}

	ctx, err = th.Context()
	if err != nil {
		return fmt.Errorf("get context of thread %d: %w", ev.ThreadID, err)
	}
	ctx.EFlags &^= TrapFlag
	if err := th.SetContext(ctx); err != nil {
		return fmt.Errorf("set context of thread %d: %w", ev.ThreadID, err)
	}

	if err := s.target.Continue(step, true); err != nil {
		return fmt.Errorf("continue single step event: %w", err)
	}
	return nil
}

func (s *Session) awaitStep(tid uint32) (Event, error) {
	deadline := time.Now().Add(s.cfg.StepTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, fmt.Errorf("%w within %s", ErrStepTimeout, s.cfg.StepTimeout)
		}
		ev, ok, err := s.target.WaitForEvent(remaining)
		if err != nil {
			return Event{}, fmt.Errorf("wait for single step: %w", err)
		}
		if !ok {
			return Event{}, fmt.Errorf("%w within %s", ErrStepTimeout, s.cfg.StepTimeout)
		}
		if ev.IsSingleStep() && ev.ThreadID == tid {
			return ev, nil
		}
		if err := s.postpone(ev); err != nil {
			return Event{}, err
		}
	}
}

// postpone continues an event that arrived during a single step. Another
// thread stopped on one of our breakpoints is rewound onto the trap so it
// hits again once the step completes.
func (s *Session) postpone(ev Event) error {
	if !ev.IsBreakpoint() {
		return s.pass(ev)
	}
	if _, ok := s.breakpoints[ev.Address]; !ok {
		return s.pass(ev)
	}

	th, err := s.target.Thread(ev.ThreadID)
	if err != nil {
		return fmt.Errorf("open thread %d: %w", ev.ThreadID, err)
	}
	defer th.Close()

	ctx, err := th.Context()
	if err != nil {
		return fmt.Errorf("get context of thread %d: %w", ev.ThreadID, err)
	}
	ctx.Eip--
	if err := th.SetContext(ctx); err != nil {
		return fmt.Errorf("set context of thread %d: %w", ev.ThreadID, err)
	}
	if err := s.target.Continue(ev, true); err != nil {
		return fmt.Errorf("continue breakpoint event: %w", err)
	}
	return nil
}

// drain continues the events queued before detach. It runs after the original
// bytes are back, so a thread rewound off one of our int3s executes the real
// instruction instead of trapping again.
func (s *Session) drain() (exited bool, err error) {
	for {
		ev, ok, werr := s.target.WaitForEvent(drainWait)
		if werr != nil {
			return false, fmt.Errorf("drain debug events: %w", werr)
		}
		if !ok {
			return false, nil
		}
		s.logger.Debug("Draining debug event", zap.Stringer("kind", ev.Kind), zap.Uint32("thread", ev.ThreadID), zap.Uint32("address", ev.Address))
		if ev.IsSingleStep() {
			// A step we requested that arrived late.
			if cerr := s.target.Continue(ev, true); cerr != nil {
				return false, fmt.Errorf("continue single step event: %w", cerr)
			}
			continue
		}
		if perr := s.postpone(ev); perr != nil {
			if errors.Is(perr, errProcessExited) {
				return true, nil
			}
			return false, perr
		}
	}
}

// ReadMemory reads n bytes of target memory.
func (s *Session) ReadMemory(addr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := s.target.ReadMemory(addr, buf); err != nil {
		return nil, fmt.Errorf("%w: read %d bytes at 0x%08X: %w", ErrMemoryAccess, n, addr, err)
	}
	return buf, nil
}

// InstallBreakpoint arms an int3 at addr. Installing the same address twice
// is a no-op. It must be called from Handler callbacks.
func (s *Session) InstallBreakpoint(addr uint32) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	if _, ok := s.breakpoints[addr]; ok {
		return nil
	}
	original, err := s.ReadMemory(addr, 1)
	if err != nil {
		return err
	}
	if err := s.target.WriteMemory(addr, []byte{Int3}); err != nil {
		return fmt.Errorf("%w: arm breakpoint at 0x%08X: %w", ErrMemoryAccess, addr, err)
	}
	s.breakpoints[addr] = original[0]
	s.restores = append(s.restores, restore{addr: addr, original: original})
	s.logger.Debug("Breakpoint installed", zap.Uint32("address", addr), zap.Uint8("original", original[0]))
	return nil
}

// PatchCode overwrites code at addr for the session's lifetime. Each address
// can be patched once. It must be called from Handler callbacks.
func (s *Session) PatchCode(addr uint32, code []byte) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	if _, ok := s.patches[addr]; ok {
		return fmt.Errorf("%w: 0x%08X", ErrAlreadyPatched, addr)
	}
	original, err := s.ReadMemory(addr, len(code))
	if err != nil {
		return err
	}
	if err := s.target.WriteMemory(addr, code); err != nil {
		return fmt.Errorf("%w: patch 0x%08X: %w", ErrMemoryAccess, addr, err)
	}
	s.patches[addr] = struct{}{}
	s.restores = append(s.restores, restore{addr: addr, original: original})
	s.logger.Debug("Code patched", zap.Uint32("address", addr), zap.Int("length", len(code)))
	return nil
}

// teardown restores every breakpoint and patch in reverse order, continues
// any events still queued, detaches and releases the process. Restores are
// skipped when the process is gone.
func (s *Session) teardown(processGone bool) error {
	var err error
	if !processGone {
		for i := len(s.restores) - 1; i >= 0; i-- {
			r := s.restores[i]
			if werr := s.target.WriteMemory(r.addr, r.original); werr != nil {
				err = multierr.Append(err, fmt.Errorf("restore 0x%08X: %w", r.addr, werr))
			}
		}
		exited, drainErr := s.drain()
		if drainErr != nil {
			err = multierr.Append(err, drainErr)
		}
		if !exited {
			if derr := s.target.Detach(); derr != nil {
				err = multierr.Append(err, fmt.Errorf("detach: %w", derr))
			}
		}
	}
	s.restores = nil
	clear(s.breakpoints)
	clear(s.patches)

	if cerr := s.target.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close process: %w", cerr))
	}
	return err
}
