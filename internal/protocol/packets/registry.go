// Package packets defines the game packets the spy knows how to decode.
package packets

import (
	"fmt"

	"github.com/echotools/uospy/internal/protocol"
)

// Nested table ids.
const (
	GeneralInfoID    = 0xBF
	ExtendedStatsID  = 0x0019
	EncodedCommandID = 0xD7
)

// NewRegistry builds the packet table. Build it once and share it.
func NewRegistry() (*protocol.Table, error) {
	root, err := protocol.NewTable(1, 0)
	if err != nil {
		return nil, err
	}

	// 0xBF: id, length, then a 2-byte sub-command.
	general, err := root.Nest(GeneralInfoID, 2, 2)
	if err != nil {
		return nil, err
	}
	// 0xBF.0019: the sub-command is followed by a 1-byte type.
	if _, err := general.Nest(ExtendedStatsID, 1, 0); err != nil {
		return nil, err
	}
	// 0xD7: id, length, player serial, then a 2-byte sub-command.
	if _, err := root.Nest(EncodedCommandID, 2, 6); err != nil {
		return nil, err
	}

	defs := append(clientDefinitions(), serverDefinitions()...)
	for _, def := range defs {
		if err := root.Register(def); err != nil {
			return nil, fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return root, nil
}
