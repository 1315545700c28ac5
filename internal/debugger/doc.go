// Package debugger attaches to a running 32-bit process as its debugger and
// intercepts calls to chosen code addresses with software breakpoints.
//
// A Session runs the OS debug event loop on its own goroutine. Breakpoint
// hits are delivered to a Handler synchronously on that goroutine while the
// faulting thread is stopped, so callbacks observe hits in the order the
// target executed them. After the callback returns, the original byte is put
// back, the thread single-steps over the real instruction and the trap is
// re-armed.
//
// Every breakpoint and code patch is restored before the debugger detaches,
// whatever the reason the session ends.
package debugger
