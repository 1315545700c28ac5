package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRegistrationConflict is returned when a definition collides with an
// existing entry or nested table.
var ErrRegistrationConflict = errors.New("protocol registration conflict")

// entry holds at most one definition per direction for a single id.
type entry struct {
	client *PacketDefinition
	server *PacketDefinition
}

func (e *entry) lookup(fromClient bool) *PacketDefinition {
	if fromClient {
		return e.client
	}
	return e.server
}

type node struct {
	entry *entry
	table *Table
}

// Table dispatches on one discriminator. Width is 1 or 2 bytes. Offset is
// the number of bytes skipped between the parent's discriminator and this
// table's.
type Table struct {
	Width  int
	Offset int
	slots  [256]*node
}

func NewTable(width, offset int) (*Table, error) {
	if width != 1 && width != 2 {
		return nil, fmt.Errorf("discriminator width %d must be 1 or 2", width)
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative discriminator offset %d", offset)
	}
	return &Table{Width: width, Offset: offset}, nil
}

// Nest declares a nested table under id. Declaring the same shape twice
// returns the existing table.
func (t *Table) Nest(id uint16, width, offset int) (*Table, error) {
	if id > 0xFF {
		return nil, fmt.Errorf("%w: id 0x%X exceeds the slot range", ErrRegistrationConflict, id)
	}
	switch n := t.slots[id]; {
	case n == nil:
		child, err := NewTable(width, offset)
		if err != nil {
			return nil, err
		}
		t.slots[id] = &node{table: child}
		return child, nil
	case n.table != nil && n.table.Width == width && n.table.Offset == offset:
		return n.table, nil
	case n.table != nil:
		return nil, fmt.Errorf("%w: table 0x%X already nested with width %d offset %d", ErrRegistrationConflict, id, n.table.Width, n.table.Offset)
	default:
		return nil, fmt.Errorf("%w: id 0x%X already holds a packet", ErrRegistrationConflict, id)
	}
}

// Register stores def at the end of its id path. Intermediate ids without a
// declared table get a one-byte table with no offset.
func (t *Table) Register(def *PacketDefinition) error {
	if len(def.IDs) == 0 {
		return fmt.Errorf("%w: %q has no ids", ErrRegistrationConflict, def.Name)
	}
	if def.New == nil {
		return fmt.Errorf("%q has no constructor", def.Name)
	}

	cur := t
	for i, id := range def.IDs {
		if id > 0xFF {
			return fmt.Errorf("%w: %q id 0x%X exceeds the slot range", ErrRegistrationConflict, def.Name, id)
		}
		last := i == len(def.IDs)-1
		n := cur.slots[id]

		if !last {
			if n == nil {
				next, err := cur.Nest(id, 1, 0)
				if err != nil {
					return err
				}
				cur = next
				continue
			}
			if n.table == nil {
				return fmt.Errorf("%w: %q path %s passes through a packet", ErrRegistrationConflict, def.Name, formatPath(def.IDs[:i+1]))
			}
			cur = n.table
			continue
		}

		if n == nil {
			n = &node{entry: &entry{}}
			cur.slots[id] = n
		}
		if n.table != nil {
			return fmt.Errorf("%w: %q path %s is a nested table", ErrRegistrationConflict, def.Name, formatPath(def.IDs))
		}
		if existing := n.entry.lookup(def.FromClient); existing != nil {
			return fmt.Errorf("%w: %q and %q share path %s", ErrRegistrationConflict, existing.Name, def.Name, formatPath(def.IDs))
		}
		if def.FromClient {
			n.entry.client = def
		} else {
			n.entry.server = def
		}
	}
	return nil
}

// Classify walks buf from the root and returns the discriminators read as a
// dotted hex path plus the matching definition, or nil if none matches.
func (t *Table) Classify(buf []byte, fromClient bool) (string, *PacketDefinition) {
	var (
		path []string
		cur  = t
		off  = 0
	)
	for {
		if off+cur.Width > len(buf) {
			return strings.Join(path, "."), nil
		}
		id := readID(buf[off:], cur.Width)
		path = append(path, formatID(id, cur.Width))
		if id > 0xFF {
			return strings.Join(path, "."), nil
		}

		n := cur.slots[id]
		switch {
		case n == nil:
			return strings.Join(path, "."), nil
		case n.table != nil:
			off += cur.Width + n.table.Offset
			cur = n.table
		default:
			return strings.Join(path, "."), n.entry.lookup(fromClient)
		}
	}
}

// Walk calls fn for every registered definition in id order, client before
// server for a shared id.
func (t *Table) Walk(fn func(path string, def *PacketDefinition)) {
	t.walk(nil, fn)
}

func (t *Table) walk(prefix []string, fn func(string, *PacketDefinition)) {
	for id, n := range t.slots {
		if n == nil {
			continue
		}
		path := append(append([]string(nil), prefix...), formatID(uint16(id), t.Width))
		if n.table != nil {
			n.table.walk(path, fn)
			continue
		}
		for _, def := range []*PacketDefinition{n.entry.client, n.entry.server} {
			if def != nil {
				fn(strings.Join(path, "."), def)
			}
		}
	}
}

func readID(b []byte, width int) uint16 {
	if width == 2 {
		return uint16(b[0])<<8 | uint16(b[1])
	}
	return uint16(b[0])
}

func formatID(id uint16, width int) string {
	if width == 2 {
		return fmt.Sprintf("%04X", id)
	}
	return fmt.Sprintf("%02X", id)
}

// formatPath renders ids for error messages.
func formatPath(ids []uint16) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%X", id)
	}
	return strings.Join(parts, ".")
}
