package debugger

import (
	"fmt"
	"strings"
	"time"
)

// Register names an x86 general purpose register.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP
	EIP
)

var registerNames = [...]string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip"}

func (r Register) String() string {
	if r < 0 || int(r) >= len(registerNames) {
		return fmt.Sprintf("register(%d)", int(r))
	}
	return registerNames[r]
}

// ParseRegister accepts a register name in any case.
func ParseRegister(s string) (Register, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range registerNames {
		if n == name {
			return Register(i), nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", s)
}

// TrapFlag is the single-step bit in EFLAGS.
const TrapFlag uint32 = 0x100

// Int3 is the software breakpoint opcode.
const Int3 byte = 0xCC

// Context is the x86 register snapshot of a stopped thread.
type Context struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi, Ebp, Esp uint32
	Eip, EFlags        uint32
}

// Get returns the value held in r.
func (c *Context) Get(r Register) uint32 {
	switch r {
	case EAX:
		return c.Eax
	case EBX:
		return c.Ebx
	case ECX:
		return c.Ecx
	case EDX:
		return c.Edx
	case ESI:
		return c.Esi
	case EDI:
		return c.Edi
	case EBP:
		return c.Ebp
	case ESP:
		return c.Esp
	case EIP:
		return c.Eip
	}
	return 0
}

// Set stores v into r.
func (c *Context) Set(r Register, v uint32) {
	switch r {
	case EAX:
		c.Eax = v
	case EBX:
		c.Ebx = v
	case ECX:
		c.Ecx = v
	case EDX:
		c.Edx = v
	case ESI:
		c.Esi = v
	case EDI:
		c.Edi = v
	case EBP:
		c.Ebp = v
	case ESP:
		c.Esp = v
	case EIP:
		c.Eip = v
	}
}

// EventKind classifies a debug event.
type EventKind int

const (
	EventOther EventKind = iota
	EventException
	EventCreateProcess
	EventExitProcess
)

func (k EventKind) String() string {
	switch k {
	case EventException:
		return "exception"
	case EventCreateProcess:
		return "create-process"
	case EventExitProcess:
		return "exit-process"
	default:
		return "other"
	}
}

// Exception codes delivered with EventException. The WX86 variants are
// raised for 32-bit code running under WOW64.
const (
	ExceptionBreakpoint     uint32 = 0x80000003
	ExceptionSingleStep     uint32 = 0x80000004
	ExceptionWX86Breakpoint uint32 = 0x4000001F
	ExceptionWX86SingleStep uint32 = 0x4000001E
)

// Event is one OS debug notification.
type Event struct {
	Kind          EventKind
	ProcessID     uint32
	ThreadID      uint32
	ExceptionCode uint32
	Address       uint32
	FirstChance   bool
	ExitCode      uint32
}

// IsBreakpoint reports whether the event is an int3 trap.
func (e Event) IsBreakpoint() bool {
	return e.Kind == EventException &&
		(e.ExceptionCode == ExceptionBreakpoint || e.ExceptionCode == ExceptionWX86Breakpoint)
}

// IsSingleStep reports whether the event is a trap-flag step.
func (e Event) IsSingleStep() bool {
	return e.Kind == EventException &&
		(e.ExceptionCode == ExceptionSingleStep || e.ExceptionCode == ExceptionWX86SingleStep)
}

// Debuggee is the set of OS debug primitives a Session drives. Every method
// except Close is called from the session's event loop goroutine, which is
// locked to one OS thread for the session's lifetime.
type Debuggee interface {
	PID() uint32
	Attach() error
	// WaitForEvent returns ok=false when no event arrived within timeout.
	WaitForEvent(timeout time.Duration) (ev Event, ok bool, err error)
	Continue(ev Event, handled bool) error
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error
	Thread(tid uint32) (Thread, error)
	Detach() error
	Close() error
}

// Thread gives register access to one stopped thread.
type Thread interface {
	Context() (*Context, error)
	SetContext(ctx *Context) error
	Close() error
}
