package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role is a single role tag such as "admin", "data" or "web".
type Role string

// RoleAdmin is the superuser tag every domain policy accepts by convention.
const RoleAdmin Role = "admin"

// RoleSet is a normalized set of role names: trimmed, lower-cased,
// de-duplicated and sorted. The zero value is the empty set.
//
// The users.roles column has historically held either a comma separated
// string or a JSON array. Scan accepts both so coercion happens once, here,
// and never at call sites.
type RoleSet []Role

// NewRoleSet builds a normalized set from raw names. Blank names are dropped.
func NewRoleSet(names ...string) RoleSet {
	seen := make(map[Role]struct{}, len(names))
	out := make(RoleSet, 0, len(names))
	for _, n := range names {
		r := Role(strings.ToLower(strings.TrimSpace(n)))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseRoleSet decodes the storage representation of a role set.
func ParseRoleSet(raw string) (RoleSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoleSet{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("roles: invalid json array: %w", err)
		}
		return NewRoleSet(names...), nil
	}
	return NewRoleSet(strings.Split(raw, ",")...), nil
}

// Has reports single-role membership.
func (s RoleSet) Has(r Role) bool {
	for _, have := range s {
		if have == r {
			return true
		}
	}
	return false
}

// Intersects reports whether s and other share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool {
	for _, r := range other {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every role of other is in s.
func (s RoleSet) ContainsAll(other RoleSet) bool {
	for _, r := range other {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

func (s RoleSet) String() string { return strings.Join(s.Strings(), ",") }

// Value stores the set as a comma separated string.
func (s RoleSet) Value() (driver.Value, error) {
	return NewRoleSet(s.Strings()...).String(), nil
}

// Scan implements sql.Scanner for the users.roles column.
func (s *RoleSet) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = RoleSet{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("roles: unsupported column type %T", src)
	}
	parsed, err := ParseRoleSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders the set as a JSON array, never null.
func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *RoleSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*s = NewRoleSet(names...)
	return nil
}
