// Package safety provides guest selection filtering, confirmation tokens, and
// audit logging for operations that change guest state.
package safety

import (
	"path/filepath"
	"strconv"
)

// Filter restricts which guests may be selected for a batch, using glob
// patterns (as understood by filepath.Match) matched against either the
// decimal VMID or the guest name.
//
// Rules:
//   - If both lists are empty (or nil), every guest is allowed.
//   - Denylist always takes priority over the allowlist.
//   - If a non-empty allowlist is present, a guest must match at least one
//     allowlist pattern to be permitted (after the denylist check).
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// AllowsVM reports whether the guest with the given VMID and name may be
// selected. A nil Filter allows everything.
func (f *Filter) AllowsVM(id int, name string) bool {
	if f == nil {
		return true
	}
	keys := []string{strconv.Itoa(id)}
	if name != "" {
		keys = append(keys, name)
	}
	return f.allows(keys...)
}

func (f *Filter) allows(keys ...string) bool {
	for _, pattern := range f.denylist {
		for _, k := range keys {
			if matchGlob(pattern, k) {
				return false
			}
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}

	for _, pattern := range f.allowlist {
		for _, k := range keys {
			if matchGlob(pattern, k) {
				return true
			}
		}
	}
	return false
}

// matchGlob returns true when name matches the given glob pattern.
// filepath.Match errors (malformed patterns) are treated as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
