package relay

import (
	"errors"
	"os"
	"strings"

	"github.com/echotools/uospy/internal/protocol"
	"github.com/samber/lo"
)

// Filter selects packets by name or id path. Matching ignores case. An
// empty filter allows everything.
type Filter struct {
	Include []string
	Exclude []string
}

func NewFilter(include, exclude []string) (Filter, error) {
	f := Filter{Include: normalize(include), Exclude: normalize(exclude)}
	if len(f.Include) > 0 && len(f.Exclude) > 0 {
		return Filter{}, errors.New("cannot include and exclude packets at the same time")
	}
	return f, nil
}

func normalize(keys []string) []string {
	keys = lo.Map(keys, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	return lo.Uniq(lo.Compact(keys))
}

// ParseList splits a comma or newline separated list.
func ParseList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
}

// LoadList reads a list file with one entry per line.
func LoadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseList(string(data)), nil
}

func (f Filter) Allow(v *protocol.PacketValue) bool {
	keys := []string{strings.ToLower(v.Name), strings.ToLower(v.IDPath)}
	match := func(list []string) bool {
		return lo.SomeBy(keys, func(k string) bool { return lo.Contains(list, k) })
	}
	if len(f.Include) > 0 {
		return match(f.Include)
	}
	if len(f.Exclude) > 0 {
		return !match(f.Exclude)
	}
	return true
}
