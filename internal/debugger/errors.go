package debugger

import "errors"

var (
	// ErrUnsupported is returned by Open on platforms without a debug backend.
	ErrUnsupported = errors.New("process debugging is not supported on this platform")

	ErrAttach          = errors.New("attach failed")
	ErrAlreadyAttached = errors.New("session already attached")
	ErrNotRunning      = errors.New("session is not running")
	ErrMemoryAccess    = errors.New("memory access failed")
	ErrAlreadyPatched  = errors.New("address already patched")
	ErrStepTimeout     = errors.New("single step not observed")

	errProcessExited = errors.New("process exited")
)
