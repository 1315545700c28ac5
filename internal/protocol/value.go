package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// UnknownName is the name of values whose buffer matched no definition.
const UnknownName = "Unknown Packet"

// PacketValue is a decoded packet, or one element of a list property.
type PacketValue struct {
	Name       string
	IDPath     string
	FromClient bool
	Time       time.Time
	Raw        []byte

	// Definition is nil for unknown packets and list elements.
	Definition *PacketDefinition
	Source     any
	Properties []*PropertyValue

	// Err is set when the packet matched a definition but failed to parse.
	Err error
}

// Known reports whether the value matched a definition.
func (v *PacketValue) Known() bool {
	return v.Definition != nil
}

// Property returns the first property named name.
func (v *PacketValue) Property(name string) (*PropertyValue, bool) {
	for _, p := range v.Properties {
		if p.Definition.Name == name {
			return p, true
		}
	}
	return nil, false
}

// PropertyValue is one extracted value. Elements is set for list properties.
type PropertyValue struct {
	Definition *PropertyDefinition
	Owner      *PacketValue
	Value      any
	Elements   []*PacketValue
}

var directionNames = [8]string{"North", "Northeast", "East", "Southeast", "South", "Southwest", "West", "Northwest"}

// Formatted renders the value using the definition's format string, or a
// rendering chosen by its tag.
func (p *PropertyValue) Formatted() string {
	if p.Definition.IsList() {
		return fmt.Sprintf("%d item(s)", len(p.Elements))
	}
	if p.Value == nil {
		return ""
	}
	if p.Definition.Format != "" {
		return fmt.Sprintf(p.Definition.Format, p.Value)
	}

	switch p.Definition.Tag {
	case TagDirection:
		d, ok := toUint(p.Value)
		if !ok {
			break
		}
		name := directionNames[d&0x07]
		if d&0x80 != 0 {
			name += " (running)"
		}
		return name
	case TagCliloc:
		return fmt.Sprintf("#%d", p.Value)
	case TagMusic, TagSound, TagTexture, TagBody:
		return fmt.Sprintf("0x%04X", p.Value)
	}

	if b, ok := p.Value.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return fmt.Sprint(p.Value)
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}

type packetDocument struct {
	Name       string             `json:"name" yaml:"name"`
	ID         string             `json:"id,omitempty" yaml:"id,omitempty"`
	Direction  string             `json:"direction,omitempty" yaml:"direction,omitempty"`
	Time       string             `json:"time,omitempty" yaml:"time,omitempty"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Raw        string             `json:"raw,omitempty" yaml:"raw,omitempty"`
	Properties []propertyDocument `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type propertyDocument struct {
	Name     string           `json:"name" yaml:"name"`
	Value    string           `json:"value" yaml:"value"`
	Tag      string           `json:"tag,omitempty" yaml:"tag,omitempty"`
	Elements []packetDocument `json:"elements,omitempty" yaml:"elements,omitempty"`
}

// document flattens v for serialization. Top-level values carry their id,
// direction and time; list elements only their properties.
func (v *PacketValue) document(top bool) packetDocument {
	doc := packetDocument{Name: v.Name}
	if top {
		doc.ID = v.IDPath
		doc.Direction = "server"
		if v.FromClient {
			doc.Direction = "client"
		}
		if !v.Time.IsZero() {
			doc.Time = v.Time.Format(time.RFC3339Nano)
		}
		if !v.Known() || v.Err != nil {
			doc.Raw = hex.EncodeToString(v.Raw)
		}
	}
	if v.Err != nil {
		doc.Error = v.Err.Error()
	}
	for _, p := range v.Properties {
		pd := propertyDocument{Name: p.Definition.Name, Value: p.Formatted()}
		if p.Definition.Tag != TagNone {
			pd.Tag = p.Definition.Tag.String()
		}
		for _, e := range p.Elements {
			pd.Elements = append(pd.Elements, e.document(false))
		}
		doc.Properties = append(doc.Properties, pd)
	}
	return doc
}

func (v *PacketValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.document(true))
}

func (v *PacketValue) MarshalYAML() (interface{}, error) {
	return v.document(true), nil
}
