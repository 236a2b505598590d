package host

import (
	"fmt"
	"strings"
)

// Selector is a parsed attribute selector: [name] or [name="value"].
type Selector struct {
	Name     string
	Value    string
	HasValue bool
}

// ParseSelector parses the attribute selector subset understood by hosts.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return Selector{}, fmt.Errorf("host: unsupported selector %q", s)
	}
	inner := s[1 : len(s)-1]
	name, value, found := strings.Cut(inner, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return Selector{}, fmt.Errorf("host: empty attribute in selector %q", s)
	}
	if !found {
		return Selector{Name: name}, nil
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		value = value[1 : len(value)-1]
	}
	return Selector{Name: name, Value: value, HasValue: true}, nil
}

// Match reports whether el satisfies the selector.
func (s Selector) Match(el Element) bool {
	v, ok := el.Attribute(s.Name)
	if !ok {
		return false
	}
	return !s.HasValue || v == s.Value
}

// String renders the selector back to CSS.
func (s Selector) String() string {
	if !s.HasValue {
		return "[" + s.Name + "]"
	}
	return fmt.Sprintf("[%s=%q]", s.Name, s.Value)
}
