package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseIDList parses a selection such as "100,101,105-107" into a sorted,
// de-duplicated list of VMIDs.
func ParseIDList(s string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(field, "-")
		first, err := parseID(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseID(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid range %q", field)
			}
		}
		for id := first; id <= last; id++ {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no vmids in %q", s)
	}
	return SortedIDs(seen), nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid vmid %q", s)
	}
	return id, nil
}

// SortedIDs returns the keys of set in ascending order.
func SortedIDs(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
