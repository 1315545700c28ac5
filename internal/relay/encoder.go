package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encoder renders packets as indented JSON or YAML.
type Encoder struct {
	format  string
	marshal func(in any) ([]byte, error)
}

func NewEncoder(format string) (*Encoder, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return &Encoder{format: "json", marshal: func(in any) ([]byte, error) {
			return json.MarshalIndent(in, "", "  ")
		}}, nil
	case "yaml", "yml":
		return &Encoder{format: "yaml", marshal: yaml.Marshal}, nil
	}
	return nil, fmt.Errorf("unknown message encoding %q", format)
}

// Format is "json" or "yaml".
func (e *Encoder) Format() string { return e.format }

func (e *Encoder) Marshal(in any) ([]byte, error) {
	return e.marshal(in)
}
