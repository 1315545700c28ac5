//go:build !windows

package debugger

// Open returns ErrUnsupported: only Windows targets can be debugged.
func Open(pid uint32) (Debuggee, error) {
	return nil, ErrUnsupported
}
