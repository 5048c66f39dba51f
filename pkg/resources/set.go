// Package resources models the named systems a job holds while it runs and
// decides whether a candidate job may acquire them.
package resources

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Mode is how a job holds a resource.
type Mode string

const (
	// Exclusive conflicts with any other holder.
	Exclusive Mode = "exclusive"
	// Shared conflicts only with exclusive holders.
	Shared Mode = "shared"
)

// Set is the resource requirement of a job.
type Set struct {
	Exclusive []string `json:"exclusive"`
	Shared    []string `json:"shared"`
}

// NewExclusive builds a set holding every name exclusively.
func NewExclusive(names ...string) Set {
	return Set{Exclusive: names}.Normalize()
}

// Normalize trims names, drops empties and duplicates within a mode, and
// sorts each list. A name listed in both modes stays exclusive only.
func (s Set) Normalize() Set {
	excl := uniqueSorted(s.Exclusive)
	held := make(map[string]struct{}, len(excl))
	for _, n := range excl {
		held[n] = struct{}{}
	}
	var shared []string
	for _, n := range uniqueSorted(s.Shared) {
		if _, ok := held[n]; !ok {
			shared = append(shared, n)
		}
	}
	if shared == nil {
		shared = []string{}
	}
	return Set{Exclusive: excl, Shared: shared}
}

// IsEmpty reports whether the set names no resource.
func (s Set) IsEmpty() bool {
	return len(s.Exclusive) == 0 && len(s.Shared) == 0
}

// Names returns every resource in the set, sorted.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.Exclusive)+len(s.Shared))
	names = append(names, s.Exclusive...)
	names = append(names, s.Shared...)
	return uniqueSorted(names)
}

// ModeOf reports how the set holds name.
func (s Set) ModeOf(name string) (Mode, bool) {
	for _, n := range s.Exclusive {
		if n == name {
			return Exclusive, true
		}
	}
	for _, n := range s.Shared {
		if n == name {
			return Shared, true
		}
	}
	return "", false
}

// Overlaps reports whether two sets could not be held at the same time.
func (s Set) Overlaps(other Set) bool {
	for _, n := range s.Exclusive {
		if _, ok := other.ModeOf(n); ok {
			return true
		}
	}
	for _, n := range s.Shared {
		if m, ok := other.ModeOf(n); ok && m == Exclusive {
			return true
		}
	}
	return false
}

func (s Set) String() string {
	var parts []string
	for _, n := range s.Exclusive {
		parts = append(parts, n)
	}
	for _, n := range s.Shared {
		parts = append(parts, n+"(shared)")
	}
	return strings.Join(parts, ",")
}

// Value stores the set as a JSON document.
func (s Set) Value() (driver.Value, error) {
	b, err := json.Marshal(s.Normalize())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a set stored by Value.
func (s *Set) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Set{}.Normalize()
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported resources column type %T", src)
	}
	if strings.TrimSpace(string(raw)) == "" {
		*s = Set{}.Normalize()
		return nil
	}
	var out Set
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode resources: %w", err)
	}
	*s = out.Normalize()
	return nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
