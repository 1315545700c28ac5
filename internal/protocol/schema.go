package protocol

import "fmt"

// Tag gives a property a meaning beyond its raw value, so viewers can render
// it as a direction or link it to a game asset.
type Tag int

const (
	TagNone Tag = iota
	TagDirection
	TagMusic
	TagSound
	TagTexture
	TagCliloc
	TagBody
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagDirection:
		return "direction"
	case TagMusic:
		return "music"
	case TagSound:
		return "sound"
	case TagTexture:
		return "texture"
	case TagCliloc:
		return "cliloc"
	case TagBody:
		return "body"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Packet is a decoded packet instance. Parse reads the whole packet,
// including its id bytes, from r.
type Packet interface {
	Parse(r *Reader) error
}

// PacketDefinition describes one packet type for one direction.
type PacketDefinition struct {
	Name       string
	FromClient bool
	// IDs is the discriminator path from the root table.
	IDs        []uint16
	Properties []*PropertyDefinition
	New        func() Packet
}

// ElementSchema describes the items of a list property.
type ElementSchema struct {
	Name       string
	Properties []*PropertyDefinition
}

// PropertyDefinition extracts one named value from a packet or list element.
type PropertyDefinition struct {
	Name   string
	Format string
	Tag    Tag
	// Get returns the value from its owner, or nil if owner has the wrong type.
	Get func(owner any) any
	// Elements is set for list properties; Get then returns []any.
	Elements *ElementSchema
}

// IsList reports whether the property holds nested elements.
func (p *PropertyDefinition) IsList() bool {
	return p.Elements != nil
}

// WithTag sets the semantic tag and returns p.
func (p *PropertyDefinition) WithTag(tag Tag) *PropertyDefinition {
	p.Tag = tag
	return p
}

// Prop defines a property of owner type T.
func Prop[T, V any](name string, get func(T) V) *PropertyDefinition {
	return &PropertyDefinition{
		Name: name,
		Get: func(owner any) any {
			v, ok := owner.(T)
			if !ok {
				return nil
			}
			return get(v)
		},
	}
}

// FormatProp defines a property rendered with a fmt verb string.
func FormatProp[T, V any](name, format string, get func(T) V) *PropertyDefinition {
	p := Prop(name, get)
	p.Format = format
	return p
}

// ListProp defines a property whose value is a slice of elements, each
// rendered with the given element properties.
func ListProp[T, E any](name, element string, get func(T) []E, props ...*PropertyDefinition) *PropertyDefinition {
	return &PropertyDefinition{
		Name: name,
		Get: func(owner any) any {
			v, ok := owner.(T)
			if !ok {
				return nil
			}
			items := get(v)
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = item
			}
			return out
		},
		Elements: &ElementSchema{Name: element, Properties: props},
	}
}
