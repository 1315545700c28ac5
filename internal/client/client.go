// Package client describes the two supported game client generations and the
// addresses needed to spy on them.
package client

import (
	"fmt"
	"strings"

	"github.com/echotools/uospy/internal/debugger"
)

// Generation selects the signature set and capture interpretation.
type Generation int

const (
	// Classic is the 2D client.
	Classic Generation = iota
	// Enhanced is the 3D-engine client that passes payloads through a
	// start/end descriptor.
	Enhanced
)

func (g Generation) String() string {
	switch g {
	case Classic:
		return "classic"
	case Enhanced:
		return "enhanced"
	default:
		return fmt.Sprintf("generation(%d)", int(g))
	}
}

// ParseGeneration accepts "classic"/"cc" or "enhanced"/"ec".
func ParseGeneration(s string) (Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classic", "cc", "2d":
		return Classic, nil
	case "enhanced", "ec", "sa", "kr":
		return Enhanced, nil
	}
	return 0, fmt.Errorf("unknown client generation %q", s)
}

// Hook is a function entry to break on plus the registers that carry the
// packet pointer and length when it is hit. A zero Address means the entry
// was not found.
type Hook struct {
	Address uint32
	Data    debugger.Register
	Length  debugger.Register
}

// Found reports whether the hook has an address.
func (h Hook) Found() bool {
	return h.Address != 0
}

func (h Hook) String() string {
	if !h.Found() {
		return "<not found>"
	}
	return fmt.Sprintf("0x%08X (data=%s, length=%s)", h.Address, h.Data, h.Length)
}

// Patch neutralizes an anti-debug check for the lifetime of a session.
type Patch struct {
	Address uint32
	Bytes   []byte
}

// Keys is everything a capture session needs for one client build.
type Keys struct {
	Generation    Generation
	TimeDateStamp uint32

	Send    Hook
	Receive Hook

	// AntiDebug is only used by the classic client.
	AntiDebug []Patch

	// FilenameHash is the archive filename hashing routine of the enhanced
	// client. It is reported but not hooked.
	FilenameHash uint32
}
