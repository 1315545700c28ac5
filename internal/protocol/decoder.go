package protocol

import (
	"fmt"
	"time"
)

// Decoder classifies buffers against a table and builds value trees.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	table *Table
}

func NewDecoder(table *Table) *Decoder {
	return &Decoder{table: table}
}

// Decode never fails outright: unmatched buffers yield an "Unknown Packet"
// value and parse failures are reported in the value's Err.
func (d *Decoder) Decode(buf []byte, fromClient bool, ts time.Time) *PacketValue {
	path, def := d.table.Classify(buf, fromClient)
	v := &PacketValue{
		Name:       UnknownName,
		IDPath:     path,
		FromClient: fromClient,
		Time:       ts,
		Raw:        buf,
	}
	if def == nil {
		return v
	}

	v.Name = def.Name
	v.Definition = def

	pkt := def.New()
	r := NewReader(buf)
	err := pkt.Parse(r)
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		v.Err = fmt.Errorf("parse %s: %w", def.Name, err)
		return v
	}

	v.Source = pkt
	v.Properties = buildProperties(v, pkt, def.Properties)
	return v
}

func buildProperties(owner *PacketValue, src any, defs []*PropertyDefinition) []*PropertyValue {
	props := make([]*PropertyValue, 0, len(defs))
	for _, def := range defs {
		p := &PropertyValue{Definition: def, Owner: owner, Value: def.Get(src)}
		if def.IsList() {
			items, _ := p.Value.([]any)
			for _, item := range items {
				elem := &PacketValue{Name: def.Elements.Name, Source: item}
				elem.Properties = buildProperties(elem, item, def.Elements.Properties)
				p.Elements = append(p.Elements, elem)
			}
		}
		props = append(props, p)
	}
	return props
}
