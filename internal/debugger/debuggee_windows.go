//go:build windows

package debugger

import (
	"errors"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procDebugActiveProcess        = modkernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop    = modkernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = modkernel32.NewProc("DebugSetProcessKillOnExit")
	procWaitForDebugEvent         = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent        = modkernel32.NewProc("ContinueDebugEvent")
	procFlushInstructionCache     = modkernel32.NewProc("FlushInstructionCache")
	procGetThreadContext          = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext          = modkernel32.NewProc("SetThreadContext")
	procWow64GetThreadContext     = modkernel32.NewProc("Wow64GetThreadContext")
	procWow64SetThreadContext     = modkernel32.NewProc("Wow64SetThreadContext")
)

const (
	processAllAccess = 0x1F0FFF

	threadGetContext       = 0x0008
	threadSetContext       = 0x0010
	threadQueryInformation = 0x0040

	dbgContinue            = 0x00010002
	dbgExceptionNotHandled = 0x80010001

	exceptionDebugEvent     = 1
	createProcessDebugEvent = 3
	exitProcessDebugEvent   = 5
	loadDLLDebugEvent       = 6

	// CONTEXT_i386 | CONTEXT_CONTROL | CONTEXT_INTEGER
	contextControlInteger = 0x00010003

	ptrSize = unsafe.Sizeof(uintptr(0))
)

var (
	errSemTimeout = syscall.Errno(121)
	errTimeout    = syscall.Errno(1460)
)

// debugEvent mirrors DEBUG_EVENT. The union is over-allocated on 386 so one
// declaration serves both pointer sizes.
type debugEvent struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
	U         [160 / ptrSize]uintptr
}

type exceptionDebugInfo struct {
	Code             uint32
	Flags            uint32
	Record           uintptr
	Address          uintptr
	NumberParameters uint32
	Information      [15]uintptr
	FirstChance      uint32
}

// x86Context mirrors both the native 386 CONTEXT and WOW64_CONTEXT.
type x86Context struct {
	ContextFlags uint32
	Dr0          uint32
	Dr1          uint32
	Dr2          uint32
	Dr3          uint32
	Dr6          uint32
	Dr7          uint32
	FloatSave    [112]byte
	SegGs        uint32
	SegFs        uint32
	SegEs        uint32
	SegDs        uint32
	Edi          uint32
	Esi          uint32
	Ebx          uint32
	Edx          uint32
	Ecx          uint32
	Eax          uint32
	Ebp          uint32
	Eip          uint32
	SegCs        uint32
	EFlags       uint32
	Esp          uint32
	SegSs        uint32
	Extended     [512]byte
}

type windowsDebuggee struct {
	pid      uint32
	process  windows.Handle
	wow64    bool
	attached bool
}

// Open prepares a debuggee for pid. The process is opened by Attach.
func Open(pid uint32) (Debuggee, error) {
	return &windowsDebuggee{pid: pid}, nil
}

func (d *windowsDebuggee) PID() uint32 {
	return d.pid
}

func (d *windowsDebuggee) Attach() error {
	h, err := windows.OpenProcess(processAllAccess, false, d.pid)
	if err != nil {
		return fmt.Errorf("OpenProcess: %w", err)
	}
	d.process = h

	if err := windows.IsWow64Process(h, &d.wow64); err != nil {
		return fmt.Errorf("IsWow64Process: %w", err)
	}
	if ptrSize == 8 && !d.wow64 {
		return errors.New("target is a 64-bit process")
	}

	if r, _, err := procDebugActiveProcess.Call(uintptr(d.pid)); r == 0 {
		return fmt.Errorf("DebugActiveProcess: %w", err)
	}
	d.attached = true

	// Detaching must leave the client running.
	procDebugSetProcessKillOnExit.Call(0)
	return nil
}

func (d *windowsDebuggee) WaitForEvent(timeout time.Duration) (Event, bool, error) {
	var de debugEvent
	r, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&de)), uintptr(timeout.Milliseconds()))
	if r == 0 {
		if errors.Is(err, errSemTimeout) || errors.Is(err, errTimeout) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("WaitForDebugEvent: %w", err)
	}

	ev := Event{ProcessID: de.ProcessID, ThreadID: de.ThreadID}
	switch de.Code {
	case exceptionDebugEvent:
		info := (*exceptionDebugInfo)(unsafe.Pointer(&de.U[0]))
		ev.Kind = EventException
		ev.ExceptionCode = info.Code
		ev.Address = uint32(info.Address)
		ev.FirstChance = info.FirstChance != 0
	case createProcessDebugEvent:
		ev.Kind = EventCreateProcess
		closeFileHandle(de.U[0])
	case loadDLLDebugEvent:
		closeFileHandle(de.U[0])
	case exitProcessDebugEvent:
		ev.Kind = EventExitProcess
		ev.ExitCode = *(*uint32)(unsafe.Pointer(&de.U[0]))
	}
	return ev, true, nil
}

// closeFileHandle releases the image file handle the debugger owns for
// process and DLL load events.
func closeFileHandle(h uintptr) {
	if h != 0 {
		windows.CloseHandle(windows.Handle(h))
	}
}

func (d *windowsDebuggee) Continue(ev Event, handled bool) error {
	status := uintptr(dbgContinue)
	if !handled {
		status = dbgExceptionNotHandled
	}
	if r, _, err := procContinueDebugEvent.Call(uintptr(ev.ProcessID), uintptr(ev.ThreadID), status); r == 0 {
		return fmt.Errorf("ContinueDebugEvent: %w", err)
	}
	return nil
}

func (d *windowsDebuggee) ReadMemory(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.ReadProcessMemory(d.process, uintptr(addr), &buf[0], uintptr(len(buf)), &n); err != nil {
		return fmt.Errorf("ReadProcessMemory: %w", err)
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("ReadProcessMemory: partial read %d/%d", n, len(buf))
	}
	return nil
}

func (d *windowsDebuggee) WriteMemory(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.WriteProcessMemory(d.process, uintptr(addr), &data[0], uintptr(len(data)), &n); err != nil {
		return fmt.Errorf("WriteProcessMemory: %w", err)
	}
	if n != uintptr(len(data)) {
		return fmt.Errorf("WriteProcessMemory: partial write %d/%d", n, len(data))
	}
	procFlushInstructionCache.Call(uintptr(d.process), uintptr(addr), uintptr(len(data)))
	return nil
}

func (d *windowsDebuggee) Thread(tid uint32) (Thread, error) {
	h, err := windows.OpenThread(threadGetContext|threadSetContext|threadQueryInformation, false, tid)
	if err != nil {
		return nil, fmt.Errorf("OpenThread: %w", err)
	}
	t := &windowsThread{handle: h, get: procGetThreadContext, set: procSetThreadContext}
	if d.wow64 && ptrSize == 8 {
		t.get, t.set = procWow64GetThreadContext, procWow64SetThreadContext
	}
	return t, nil
}

func (d *windowsDebuggee) Detach() error {
	if !d.attached {
		return nil
	}
	d.attached = false
	if r, _, err := procDebugActiveProcessStop.Call(uintptr(d.pid)); r == 0 {
		return fmt.Errorf("DebugActiveProcessStop: %w", err)
	}
	return nil
}

func (d *windowsDebuggee) Close() error {
	if d.process == 0 {
		return nil
	}
	h := d.process
	d.process = 0
	return windows.CloseHandle(h)
}

type windowsThread struct {
	handle windows.Handle
	get    *windows.LazyProc
	set    *windows.LazyProc
	raw    x86Context
}

func (t *windowsThread) Context() (*Context, error) {
	t.raw = x86Context{ContextFlags: contextControlInteger}
	if r, _, err := t.get.Call(uintptr(t.handle), uintptr(unsafe.Pointer(&t.raw))); r == 0 {
		return nil, fmt.Errorf("%s: %w", t.get.Name, err)
	}
	return &Context{
		Eax:    t.raw.Eax,
		Ebx:    t.raw.Ebx,
		Ecx:    t.raw.Ecx,
		Edx:    t.raw.Edx,
		Esi:    t.raw.Esi,
		Edi:    t.raw.Edi,
		Ebp:    t.raw.Ebp,
		Esp:    t.raw.Esp,
		Eip:    t.raw.Eip,
		EFlags: t.raw.EFlags,
	}, nil
}

func (t *windowsThread) SetContext(ctx *Context) error {
	t.raw.ContextFlags = contextControlInteger
	t.raw.Eax, t.raw.Ebx, t.raw.Ecx, t.raw.Edx = ctx.Eax, ctx.Ebx, ctx.Ecx, ctx.Edx
	t.raw.Esi, t.raw.Edi, t.raw.Ebp, t.raw.Esp = ctx.Esi, ctx.Edi, ctx.Ebp, ctx.Esp
	t.raw.Eip, t.raw.EFlags = ctx.Eip, ctx.EFlags
	if r, _, err := t.set.Call(uintptr(t.handle), uintptr(unsafe.Pointer(&t.raw))); r == 0 {
		return fmt.Errorf("%s: %w", t.set.Name, err)
	}
	return nil
}

func (t *windowsThread) Close() error {
	return windows.CloseHandle(t.handle)
}
