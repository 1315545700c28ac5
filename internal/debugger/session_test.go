package debugger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type continued struct {
	ev      Event
	handled bool
}

// fakeDebuggee is an in-memory process. Continuing an event on a thread with
// the trap flag set executes one single-byte instruction and queues the
// resulting single-step event.
type fakeDebuggee struct {
	mu sync.Mutex

	attachErr error
	dropStep  bool
	// beforeStep is delivered ahead of the first single-step event.
	beforeStep []Event

	mem       map[uint32]byte
	threads   map[uint32]*Context
	queue     []Event
	continues []continued
	executed  []byte
	writes    int
	detached  bool
	closed    bool
}

func newFake() *fakeDebuggee {
	return &fakeDebuggee{
		mem:     make(map[uint32]byte),
		threads: make(map[uint32]*Context),
	}
}

func (f *fakeDebuggee) PID() uint32 { return 4242 }

func (f *fakeDebuggee) Attach() error { return f.attachErr }

func (f *fakeDebuggee) push(evs ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, evs...)
}

func (f *fakeDebuggee) WaitForEvent(timeout time.Duration) (Event, bool, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		ev := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return ev, true, nil
	}
	f.mu.Unlock()
	time.Sleep(min(timeout, time.Millisecond))
	return Event{}, false, nil
}

func (f *fakeDebuggee) Continue(ev Event, handled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues = append(f.continues, continued{ev: ev, handled: handled})

	ctx := f.threads[ev.ThreadID]
	if ctx == nil || ctx.EFlags&TrapFlag == 0 || f.dropStep {
		return nil
	}
	f.executed = append(f.executed, f.mem[ctx.Eip])
	ctx.Eip++
	step := Event{Kind: EventException, ExceptionCode: ExceptionSingleStep, ThreadID: ev.ThreadID, Address: ctx.Eip}
	front := append(append([]Event{}, f.beforeStep...), step)
	f.beforeStep = nil
	f.queue = append(front, f.queue...)
	return nil
}

func (f *fakeDebuggee) ReadMemory(addr uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		b, ok := f.mem[addr+uint32(i)]
		if !ok {
			return errors.New("unmapped")
		}
		buf[i] = b
	}
	return nil
}

func (f *fakeDebuggee) WriteMemory(addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	for i, b := range data {
		f.mem[addr+uint32(i)] = b
	}
	return nil
}

func (f *fakeDebuggee) Thread(tid uint32) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[tid]; !ok {
		return nil, errors.New("no such thread")
	}
	return &fakeThread{f: f, tid: tid}, nil
}

func (f *fakeDebuggee) Detach() error {
	f.detached = true
	return nil
}

func (f *fakeDebuggee) Close() error {
	f.closed = true
	return nil
}

func (f *fakeDebuggee) byteAt(addr uint32) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem[addr]
}

type fakeThread struct {
	f   *fakeDebuggee
	tid uint32
}

func (t *fakeThread) Context() (*Context, error) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	c := *t.f.threads[t.tid]
	return &c, nil
}

func (t *fakeThread) SetContext(ctx *Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	c := *ctx
	t.f.threads[t.tid] = &c
	return nil
}

func (t *fakeThread) Close() error { return nil }

type observedHit struct {
	Address   uint32
	ThreadID  uint32
	Eip       uint32
	TrapBytes byte
}

type recordingHandler struct {
	breakpoints []uint32
	patches     map[uint32][]byte
	attachErrs  []error
	hits        []observedHit
	fake        *fakeDebuggee
}

func (h *recordingHandler) Attached(s *Session) error {
	for _, addr := range h.breakpoints {
		if err := s.InstallBreakpoint(addr); err != nil {
			return err
		}
	}
	for addr, code := range h.patches {
		if err := s.PatchCode(addr, code); err != nil {
			return err
		}
	}
	return nil
}

func (h *recordingHandler) BreakpointHit(hit *Hit) error {
	h.hits = append(h.hits, observedHit{
		Address:   hit.Address,
		ThreadID:  hit.ThreadID,
		Eip:       hit.Context.Eip,
		TrapBytes: h.fake.byteAt(hit.Address),
	})
	return nil
}

func testConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, StepTimeout: 50 * time.Millisecond}
}

func waitDone(t *testing.T, s *Session) Termination {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	return s.Termination()
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateAttaching, "attaching"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestSessionAttachFailure(t *testing.T) {
	fake := newFake()
	fake.attachErr = errors.New("access denied")

	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(&recordingHandler{fake: fake, breakpoints: []uint32{0x1000}}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	term := waitDone(t, s)
	if term.Reason != ReasonError {
		t.Fatalf("expected error termination, got %v", term)
	}
	if !errors.Is(term.Cause, ErrAttach) {
		t.Errorf("expected ErrAttach cause, got %v", term.Cause)
	}
	if fake.writes != 0 {
		t.Errorf("expected no memory writes, got %d", fake.writes)
	}
	if fake.detached {
		t.Error("detach attempted on a session that never attached")
	}
	if !fake.closed {
		t.Error("process handle not released")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %v", s.State())
	}

	select {
	case got := <-s.Terminated():
		if got.Reason != ReasonError {
			t.Errorf("terminal message reason = %v", got.Reason)
		}
	default:
		t.Error("no terminal message delivered")
	}
}

func TestSessionSecondAttachFails(t *testing.T) {
	fake := newFake()
	s := NewSession(fake, testConfig(), nil)
	h := &recordingHandler{fake: fake}
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Attach(h); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach = %v, want ErrAlreadyAttached", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionStopBeforeAttach(t *testing.T) {
	fake := newFake()
	s := NewSession(fake, testConfig(), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Termination().Reason; got != ReasonStoppedByOperator {
		t.Errorf("reason = %v", got)
	}
	if err := s.Attach(&recordingHandler{fake: fake}); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("Attach after Stop = %v", err)
	}
}

func TestBreakpointHitProtocol(t *testing.T) {
	const addr = 0x401000

	fake := newFake()
	fake.mem[addr] = 0x55
	fake.threads[7] = &Context{Eip: addr + 1, Ecx: 0xDEAD}
	fake.push(
		Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 7, Address: addr},
		Event{Kind: EventExitProcess, ExitCode: 0},
	)

	h := &recordingHandler{fake: fake, breakpoints: []uint32{addr}}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	term := waitDone(t, s)
	if term.Reason != ReasonProcessClosed {
		t.Fatalf("termination = %v", term)
	}

	want := []observedHit{{Address: addr, ThreadID: 7, Eip: addr + 1, TrapBytes: Int3}}
	if diff := cmp.Diff(want, h.hits); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}

	// The real instruction ran exactly once, with the original byte in place.
	if diff := cmp.Diff([]byte{0x55}, fake.executed); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if got := fake.byteAt(addr); got != Int3 {
		t.Errorf("breakpoint not re-armed, byte = 0x%02X", got)
	}

	ctx := fake.threads[7]
	if ctx.EFlags&TrapFlag != 0 {
		t.Error("trap flag left set")
	}
	if ctx.Eip != addr+1 {
		t.Errorf("Eip = 0x%X, want 0x%X", ctx.Eip, addr+1)
	}

	// breakpoint, single step, exit
	if len(fake.continues) != 3 {
		t.Fatalf("continues = %d, want 3", len(fake.continues))
	}
	for i, c := range fake.continues {
		if !c.handled {
			t.Errorf("continue %d not handled", i)
		}
	}
	if !fake.continues[1].ev.IsSingleStep() {
		t.Errorf("second continue = %+v, want single step", fake.continues[1].ev)
	}
}

func TestBreakpointsRestoredOnStop(t *testing.T) {
	fake := newFake()
	original := map[uint32]byte{0x1000: 0x55, 0x2000: 0x8B, 0x3000: 0x74, 0x3001: 0x05}
	for a, b := range original {
		fake.mem[a] = b
	}

	h := &recordingHandler{
		fake:        fake,
		breakpoints: []uint32{0x1000, 0x2000, 0x1000},
		patches:     map[uint32][]byte{0x3000: {0xEB, 0x05}},
	}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fake.byteAt(0x3000) != 0xEB || fake.byteAt(0x2000) != Int3 {
		if time.Now().After(deadline) {
			t.Fatal("instrumentation never installed")
		}
		time.Sleep(time.Millisecond)
	}
	if got := fake.byteAt(0x1000); got != Int3 {
		t.Errorf("0x1000 = 0x%02X, want int3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := s.Termination().Reason; got != ReasonStoppedByOperator {
		t.Errorf("reason = %v", got)
	}
	for a, b := range original {
		if got := fake.byteAt(a); got != b {
			t.Errorf("byte at 0x%X = 0x%02X, want 0x%02X", a, got, b)
		}
	}
	if !fake.detached || !fake.closed {
		t.Errorf("detached=%v closed=%v", fake.detached, fake.closed)
	}
}

func TestStepTimeoutIsFatal(t *testing.T) {
	const addr = 0x1000

	fake := newFake()
	fake.dropStep = true
	fake.mem[addr] = 0x90
	fake.threads[1] = &Context{Eip: addr + 1}
	fake.push(Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: addr})

	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(&recordingHandler{fake: fake, breakpoints: []uint32{addr}}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	term := waitDone(t, s)
	if term.Reason != ReasonError || !errors.Is(term.Cause, ErrStepTimeout) {
		t.Fatalf("termination = %v, want step timeout", term)
	}
	if got := fake.byteAt(addr); got != 0x90 {
		t.Errorf("original byte not restored: 0x%02X", got)
	}
	if !fake.detached {
		t.Error("expected detach after fatal error")
	}
}

func TestPatchTwiceFails(t *testing.T) {
	fake := newFake()
	fake.mem[0x10] = 0x74
	fake.mem[0x11] = 0x05

	var second error
	h := &funcHandler{attached: func(s *Session) error {
		if err := s.PatchCode(0x10, []byte{0xEB}); err != nil {
			return err
		}
		second = s.PatchCode(0x10, []byte{0x90})
		return nil
	}}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !errors.Is(second, ErrAlreadyPatched) {
		t.Errorf("second patch = %v, want ErrAlreadyPatched", second)
	}
	if got := fake.byteAt(0x10); got != 0x74 {
		t.Errorf("patch not restored: 0x%02X", got)
	}
}

func TestInstallBreakpointUnreadable(t *testing.T) {
	fake := newFake()
	s := NewSession(fake, testConfig(), nil)
	h := &recordingHandler{fake: fake, breakpoints: []uint32{0xBAD}}
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	term := waitDone(t, s)
	if term.Reason != ReasonError || !errors.Is(term.Cause, ErrMemoryAccess) {
		t.Errorf("termination = %v, want memory access error", term)
	}
}

func TestForeignExceptionsAreForwarded(t *testing.T) {
	fake := newFake()
	fake.push(
		Event{Kind: EventCreateProcess},
		Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: 0x7700},
		Event{Kind: EventException, ExceptionCode: 0xC0000005, ThreadID: 1, Address: 0x1234},
		Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: 0x7800},
		Event{Kind: EventExitProcess},
	)
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(&recordingHandler{fake: fake}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if term := waitDone(t, s); term.Reason != ReasonProcessClosed {
		t.Fatalf("termination = %v", term)
	}

	got := make([]bool, len(fake.continues))
	for i, c := range fake.continues {
		got[i] = c.handled
	}
	want := []bool{true, true, false, false, true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("handled flags mismatch (-want +got):\n%s", diff)
	}
}

func TestOtherThreadBreakpointDuringStep(t *testing.T) {
	const a, b = 0x1000, 0x2000

	fake := newFake()
	fake.mem[a] = 0x55
	fake.mem[b] = 0x56
	fake.threads[1] = &Context{Eip: a + 1}
	fake.threads[2] = &Context{Eip: b + 1}
	fake.beforeStep = []Event{{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 2, Address: b}}
	fake.push(
		Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: a},
		Event{Kind: EventExitProcess},
	)

	h := &recordingHandler{fake: fake, breakpoints: []uint32{a, b}}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if term := waitDone(t, s); term.Reason != ReasonProcessClosed {
		t.Fatalf("termination = %v", term)
	}

	if len(h.hits) != 1 || h.hits[0].Address != a {
		t.Errorf("hits = %+v, want one hit at 0x%X", h.hits, a)
	}
	if got := fake.threads[2].Eip; got != b {
		t.Errorf("thread 2 Eip = 0x%X, want rewound to 0x%X", got, b)
	}
}

func TestTeardownDrainsPendingHits(t *testing.T) {
	const a, b = 0x1000, 0x2000

	fake := newFake()
	fake.mem[a] = 0x55
	fake.mem[b] = 0x56
	fake.threads[1] = &Context{Eip: a + 1}
	fake.threads[2] = &Context{Eip: b + 1}
	fake.push(Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: a})

	pending := Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 2, Address: b}
	hits := 0
	h := &funcHandler{
		attached: func(s *Session) error {
			if err := s.InstallBreakpoint(a); err != nil {
				return err
			}
			return s.InstallBreakpoint(b)
		},
		hit: func(h *Hit) error {
			hits++
			// Thread 2 traps while the stop is already on its way.
			h.session.requestStop()
			fake.push(pending)
			return nil
		},
	}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if term := waitDone(t, s); term.Reason != ReasonStoppedByOperator {
		t.Fatalf("termination = %v", term)
	}

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if got := fake.threads[2].Eip; got != b {
		t.Errorf("thread 2 Eip = 0x%X, want rewound to 0x%X", got, b)
	}
	for addr, want := range map[uint32]byte{a: 0x55, b: 0x56} {
		if got := fake.byteAt(addr); got != want {
			t.Errorf("byte at 0x%X = 0x%02X, want 0x%02X", addr, got, want)
		}
	}
	last := fake.continues[len(fake.continues)-1]
	if last.ev != pending || !last.handled {
		t.Errorf("last continue = %+v, want handled pending hit", last)
	}
	if !fake.detached || !fake.closed {
		t.Errorf("detached=%v closed=%v", fake.detached, fake.closed)
	}
}

func TestTeardownDrainSeesExit(t *testing.T) {
	fake := newFake()
	fake.mem[0x1000] = 0x55
	fake.threads[1] = &Context{Eip: 0x1001}
	fake.push(Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: 0x1000})

	h := &funcHandler{
		attached: func(s *Session) error { return s.InstallBreakpoint(0x1000) },
		hit: func(h *Hit) error {
			h.session.requestStop()
			fake.push(Event{Kind: EventExitProcess})
			return nil
		},
	}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if term := waitDone(t, s); term.Reason != ReasonStoppedByOperator {
		t.Fatalf("termination = %v", term)
	}
	if fake.detached {
		t.Error("detach attempted after the process exited")
	}
	if !fake.closed {
		t.Error("process handle not released")
	}
}

func TestHitStoppingClosesOnStop(t *testing.T) {
	const addr = 0x1000

	fake := newFake()
	fake.mem[addr] = 0x55
	fake.threads[1] = &Context{Eip: addr + 1}
	fake.push(Event{Kind: EventException, ExceptionCode: ExceptionBreakpoint, ThreadID: 1, Address: addr})

	entered := make(chan struct{})
	h := &funcHandler{
		attached: func(s *Session) error { return s.InstallBreakpoint(addr) },
		hit: func(h *Hit) error {
			close(entered)
			// Blocks the loop until the stop request arrives.
			<-h.Stopping()
			return nil
		},
	}
	s := NewSession(fake, testConfig(), nil)
	if err := s.Attach(h); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("breakpoint never hit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fake.byteAt(addr); got != 0x55 {
		t.Errorf("byte at 0x%X = 0x%02X, want 0x55", addr, got)
	}
	if got := s.Termination().Reason; got != ReasonStoppedByOperator {
		t.Errorf("reason = %v", got)
	}
}

type funcHandler struct {
	attached func(s *Session) error
	hit      func(h *Hit) error
}

func (f *funcHandler) Attached(s *Session) error {
	if f.attached == nil {
		return nil
	}
	return f.attached(s)
}

func (f *funcHandler) BreakpointHit(h *Hit) error {
	if f.hit == nil {
		return nil
	}
	return f.hit(h)
}
