// Package signature finds byte patterns with wildcard positions inside
// executable images.
package signature

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Wildcard marks a position that matches any byte. It doubles as the int3
// opcode, so a signature cannot pin a position to exactly 0xCC.
const Wildcard byte = 0xCC

// Signature is an ordered byte pattern where Wildcard matches anything.
type Signature []byte

// Parse reads a space separated hex pattern such as "55 8B EC ?? 8B".
// "??" and "?" are wildcards.
func Parse(s string) (Signature, error) {
	fields := strings.Fields(s)
	sig := make(Signature, 0, len(fields))
	for _, f := range fields {
		if f == "?" || f == "??" {
			sig = append(sig, Wildcard)
			continue
		}
		b, err := hex.DecodeString(f)
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("invalid signature byte %q", f)
		}
		sig = append(sig, b[0])
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return sig, nil
}

// MustParse is like Parse but panics on error. It is meant for
// package-level signature tables.
func MustParse(s string) Signature {
	sig, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// MatchAt reports whether sig matches buf at offset i. Windows that would run
// past the end of buf never match.
func (sig Signature) MatchAt(buf []byte, i int) bool {
	if len(sig) == 0 || i < 0 || i+len(sig) > len(buf) {
		return false
	}
	for j, b := range sig {
		if b != Wildcard && b != buf[i+j] {
			return false
		}
	}
	return true
}

func (sig Signature) String() string {
	parts := make([]string, len(sig))
	for i, b := range sig {
		if b == Wildcard {
			parts[i] = "??"
			continue
		}
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// Find returns the first offset in buf where sig matches.
func Find(buf []byte, sig Signature) (int, bool) {
	for i := 0; i+len(sig) <= len(buf); i++ {
		if sig.MatchAt(buf, i) {
			return i, true
		}
	}
	return 0, false
}

// FindFirst scans buf once from left to right, testing every signature at
// each offset, and returns the first matching offset per signature. Later
// matches are ignored. Signatures that never match get -1.
func FindFirst(buf []byte, sigs ...Signature) []int {
	found := make([]int, len(sigs))
	pending := len(sigs)
	for k := range found {
		found[k] = -1
	}
	for i := 0; i < len(buf) && pending > 0; i++ {
		for k, sig := range sigs {
			if found[k] >= 0 {
				continue
			}
			if sig.MatchAt(buf, i) {
				found[k] = i
				pending--
			}
		}
	}
	return found
}
