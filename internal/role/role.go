package role

import (
	"encoding/json"
	"sort"
	"strings"
)

// Role is one of the closed set of authorization roles. Roles are granted
// per scope (global or per database) and may imply other roles.
type Role string

const (
	Read           Role = "read"
	Editor         Role = "editor"
	Reviewer       Role = "reviewer"
	Approver       Role = "approver"
	ContentManager Role = "content_manager"
	SystemManager  Role = "system_manager"
	Automated      Role = "automated"
)

// implications is the static table of direct role implications. Granting
// the key grants every listed role as well (transitively, via Close).
var implications = map[Role][]Role{
	Editor:         {Read},
	Reviewer:       {Read},
	Approver:       {Reviewer},
	ContentManager: {Editor, Approver},
	SystemManager:  {Read},
	Automated:      {Read},
}

var all = []Role{Read, Editor, Reviewer, Approver, ContentManager, SystemManager, Automated}

// All returns every known role.
func All() []Role {
	out := make([]Role, len(all))
	copy(out, all)
	return out
}

// Implications returns the roles directly implied by r.
func Implications(r Role) []Role {
	deps := implications[r]
	out := make([]Role, len(deps))
	copy(out, deps)
	return out
}

// Parse maps a string onto a known role, case-insensitively.
func Parse(s string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, r := range all {
		if r == candidate {
			return r, true
		}
	}
	return "", false
}

// Set is a set of roles.
type Set map[Role]struct{}

func NewSet(roles ...Role) Set {
	s := make(Set, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s Set) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s Set) Add(r Role) {
	s[r] = struct{}{}
}

// Values returns the members in a stable order.
func (s Set) Values() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

// Close expands the set with every role reachable through the implication
// table. Implemented as a reachability walk so a cyclic table would still
// converge.
func Close(roles Set) Set {
	closed := make(Set, len(roles))
	queue := make([]Role, 0, len(roles))
	for r := range roles {
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if closed.Has(r) {
			continue
		}
		closed.Add(r)
		queue = append(queue, implications[r]...)
	}
	return closed
}

// MarshalJSON writes the set as a sorted string array, which keeps the
// snapshot file diffable.
func (s Set) MarshalJSON() ([]byte, error) {
	values := s.Values()
	names := make([]string, len(values))
	for i, r := range values {
		names[i] = string(r)
	}
	return json.Marshal(names)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	out := make(Set, len(names))
	for _, name := range names {
		if r, ok := Parse(name); ok {
			out.Add(r)
		}
	}
	*s = out
	return nil
}
