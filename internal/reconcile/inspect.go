package reconcile

import (
	"context"
	"fmt"

	"github.com/jamesprial/pvebatch/internal/vm"
)

// Attribute is one of the tracked configuration keys.
type Attribute string

const (
	AttrMachine Attribute = vm.KeyMachine
	AttrCPU     Attribute = vm.KeyCPU
	AttrDisplay Attribute = vm.KeyVGA
)

// TrackedAttributes lists the attributes Inspect reports.
var TrackedAttributes = []Attribute{AttrMachine, AttrCPU, AttrDisplay}

// attributeDefaults are the values qemu-server uses when a key is absent.
// An absent vga means the std device without a memory qualifier.
var attributeDefaults = map[Attribute]string{
	AttrMachine: "pc",
	AttrCPU:     cpuKVM64,
	AttrDisplay: "",
}

// DefaultValue returns the documented default for attr.
func DefaultValue(attr Attribute) string {
	return attributeDefaults[attr]
}

// Attributes holds the effective value of every tracked attribute.
type Attributes map[Attribute]string

// Get returns the value of attr, falling back to its default.
func (a Attributes) Get(attr Attribute) string {
	if v, ok := a[attr]; ok {
		return v
	}
	return attributeDefaults[attr]
}

// ConfigSource reads a guest's persisted configuration text.
type ConfigSource interface {
	Read(id int) (string, error)
}

// Inspector resolves the current attribute values of a guest from its
// persisted configuration.
type Inspector struct {
	source ConfigSource
}

// NewInspector returns an Inspector reading from src.
func NewInspector(src ConfigSource) *Inspector {
	if src == nil {
		panic("config source must not be nil")
	}
	return &Inspector{source: src}
}

// Inspect returns the effective tracked attributes of a guest. Absent keys
// get their defaults, so every tracked attribute is present in the result.
// It fails with ErrConfigUnavailable when the config cannot be read.
func (i *Inspector) Inspect(ctx context.Context, id int) (Attributes, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inspect vm %d: %w", id, err)
	}

	text, err := i.source.Read(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}

	return AttributesFromConfig(vm.ParseConfig(text)), nil
}

// AttributesFromConfig extracts the tracked attributes from a parsed
// top-level configuration, filling absent keys with their defaults.
func AttributesFromConfig(cfg map[string]string) Attributes {
	attrs := make(Attributes, len(TrackedAttributes))
	for _, a := range TrackedAttributes {
		if v, ok := cfg[string(a)]; ok {
			attrs[a] = v
		} else {
			attrs[a] = attributeDefaults[a]
		}
	}
	return attrs
}

// Applicable returns the kinds that IsNeeded reports for attrs. Kinds with
// parameters are evaluated with their zero parameters.
func Applicable(attrs Attributes) []Kind {
	var out []Kind
	for _, k := range Kinds {
		if IsNeeded(Operation{Kind: k}, attrs) {
			out = append(out, k)
		}
	}
	return out
}
