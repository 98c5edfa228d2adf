package vm

import (
	"strconv"
	"strings"
)

// Keys of the config declarations this tool reads or rewrites.
const (
	KeyMachine = "machine"
	KeyCPU     = "cpu"
	KeyVGA     = "vga"
)

// DefaultDisplayType is the display device written when a guest has no vga
// declaration yet.
const DefaultDisplayType = "std"

const memoryQualifier = "memory="

// A guest config file is a list of "key: value" lines. The first line of the
// form "[name]" opens a snapshot or pending section; that line and everything
// after it describe other states of the guest and are never treated as the
// current configuration.

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func isSectionHeader(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "[")
}

// topLevelEnd returns the index of the first section header, or len(lines).
func topLevelEnd(lines []string) int {
	for i, line := range lines {
		if isSectionHeader(line) {
			return i
		}
	}
	return len(lines)
}

// parseDeclaration splits a "key: value" line. Comments and blank lines are
// rejected.
func parseDeclaration(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	key, value, found := strings.Cut(trimmed, ":")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// ParseConfig returns the effective top-level declarations of a guest config.
// When a key is declared more than once the last declaration wins.
func ParseConfig(text string) map[string]string {
	lines := splitLines(text)
	out := make(map[string]string)
	for _, line := range lines[:topLevelEnd(lines)] {
		if key, value, ok := parseDeclaration(line); ok {
			out[key] = value
		}
	}
	return out
}

// lastDeclaration returns the index of the last top-level declaration of key,
// or -1.
func lastDeclaration(lines []string, key string) int {
	idx := -1
	for i, line := range lines[:topLevelEnd(lines)] {
		if k, _, ok := parseDeclaration(line); ok && k == key {
			idx = i
		}
	}
	return idx
}

// withoutMemory splits a property string on commas, dropping empty parts and
// every memory qualifier.
func withoutMemory(value string) []string {
	var parts []string
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, memoryQualifier) {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// DisplayMemory extracts the memory qualifier (MiB) from a vga value.
func DisplayMemory(value string) (int, bool) {
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, memoryQualifier) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(p, memoryQualifier))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// DisplayType returns the device type of a vga value, defaulting to std.
func DisplayType(value string) string {
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, memoryQualifier) {
			continue
		}
		return strings.TrimPrefix(p, "type=")
	}
	return DefaultDisplayType
}

// SetDisplayMemory rewrites the top-level vga declaration so that it carries
// exactly one memory qualifier of mb MiB. Other qualifiers are kept in order.
// A guest without a vga line gets "vga: std,memory=<mb>" appended to the
// end of its top-level section.
func SetDisplayMemory(text string, mb int) string {
	lines := splitLines(text)
	qualifier := memoryQualifier + strconv.Itoa(mb)

	if idx := lastDeclaration(lines, KeyVGA); idx >= 0 {
		_, value, _ := parseDeclaration(lines[idx])
		parts := append(withoutMemory(value), qualifier)
		lines[idx] = KeyVGA + ": " + strings.Join(parts, ",")
		return joinLines(lines)
	}

	line := KeyVGA + ": " + DefaultDisplayType + "," + qualifier
	end := topLevelEnd(lines)
	// Insert after the last non-blank top-level line so the blank separator
	// before the first section stays in place.
	at := end
	for at > 0 && strings.TrimSpace(lines[at-1]) == "" {
		at--
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, line)
	out = append(out, lines[at:]...)
	return joinLines(out)
}

// RevertDisplayMemory strips the memory qualifier from the top-level vga
// declaration. If nothing else remains the line is removed. A config without
// a vga line is returned unchanged.
func RevertDisplayMemory(text string) string {
	lines := splitLines(text)
	idx := lastDeclaration(lines, KeyVGA)
	if idx < 0 {
		return text
	}
	_, value, _ := parseDeclaration(lines[idx])
	parts := withoutMemory(value)
	if len(parts) == 0 {
		lines = append(lines[:idx], lines[idx+1:]...)
		return joinLines(lines)
	}
	lines[idx] = KeyVGA + ": " + strings.Join(parts, ",")
	return joinLines(lines)
}
