// Package reconcile decides, per guest, whether a requested configuration
// change is needed and carries it out: stop the guest, apply the change,
// handle snapshots, and restore the previous power state.
package reconcile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jamesprial/pvebatch/internal/vm"
)

// Kind identifies one of the fixed operations the tool can perform.
type Kind string

const (
	KindMachineQ35          Kind = "machine-q35"
	KindMachineI440fx       Kind = "machine-i440fx"
	KindCPUHost             Kind = "cpu-host"
	KindCPUKVM64            Kind = "cpu-kvm64"
	KindDisplayMemorySet    Kind = "display-memory-set"
	KindDisplayMemoryRevert Kind = "display-memory-revert"
	KindSnapshotOnly        Kind = "snapshot-only"
)

// Kinds lists every operation kind in menu order.
var Kinds = []Kind{
	KindMachineQ35,
	KindMachineI440fx,
	KindCPUHost,
	KindCPUKVM64,
	KindDisplayMemorySet,
	KindDisplayMemoryRevert,
	KindSnapshotOnly,
}

var kindDescriptions = map[Kind]string{
	KindMachineQ35:          "convert machine type i440fx -> q35",
	KindMachineI440fx:       "convert machine type q35 -> i440fx",
	KindCPUHost:             "convert CPU model kvm64 -> host",
	KindCPUKVM64:            "convert CPU model host -> kvm64",
	KindDisplayMemorySet:    "set display memory",
	KindDisplayMemoryRevert: "remove display memory override",
	KindSnapshotOnly:        "snapshot only, no configuration change",
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kindDescriptions[k]; !ok {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return k, nil
}

// Description returns a short human-readable summary of the kind.
func (k Kind) Description() string {
	return kindDescriptions[k]
}

// IsMachine reports whether the kind changes the machine type.
func (k Kind) IsMachine() bool {
	return k == KindMachineQ35 || k == KindMachineI440fx
}

// Display memory bounds accepted by qemu-server, in MiB.
const (
	MinDisplayMemory = 4
	MaxDisplayMemory = 512
)

var machineVersionRE = regexp.MustCompile(`^\d+\.\d+(\+pve\d+)?$`)

// Operation is a requested transition. Version applies to machine kinds only
// and pins the target machine version (e.g. "8.1"); empty means the
// unversioned default. DisplayMemoryMB applies to KindDisplayMemorySet only.
type Operation struct {
	Kind            Kind   `json:"kind"`
	Version         string `json:"version,omitempty"`
	DisplayMemoryMB int    `json:"display_memory_mb,omitempty"`
}

// Validate checks that the parameters fit the kind.
func (o Operation) Validate() error {
	if _, ok := kindDescriptions[o.Kind]; !ok {
		return fmt.Errorf("unknown operation %q", o.Kind)
	}
	if o.Version != "" {
		if !o.Kind.IsMachine() {
			return fmt.Errorf("operation %s does not take a version", o.Kind)
		}
		if !machineVersionRE.MatchString(o.Version) {
			return fmt.Errorf("invalid machine version %q (want e.g. 8.1)", o.Version)
		}
	}
	if o.Kind == KindDisplayMemorySet {
		if o.DisplayMemoryMB < MinDisplayMemory || o.DisplayMemoryMB > MaxDisplayMemory {
			return fmt.Errorf("display memory %d MiB out of range [%d, %d]", o.DisplayMemoryMB, MinDisplayMemory, MaxDisplayMemory)
		}
	} else if o.DisplayMemoryMB != 0 {
		return fmt.Errorf("operation %s does not take a display memory size", o.Kind)
	}
	return nil
}

// Target returns the value written by machine and CPU kinds.
func (o Operation) Target() string {
	switch o.Kind {
	case KindMachineQ35:
		if o.Version != "" {
			return "pc-q35-" + o.Version
		}
		return "q35"
	case KindMachineI440fx:
		if o.Version != "" {
			return "pc-i440fx-" + o.Version
		}
		return "pc"
	case KindCPUHost:
		return cpuHost
	case KindCPUKVM64:
		return cpuKVM64
	}
	return ""
}

// RequiresStop reports whether the guest must be powered off first.
func (o Operation) RequiresStop() bool {
	return o.Kind != KindSnapshotOnly
}

func (o Operation) String() string {
	switch {
	case o.Kind.IsMachine() || o.Kind == KindCPUHost || o.Kind == KindCPUKVM64:
		return fmt.Sprintf("%s (%s)", o.Kind, o.Target())
	case o.Kind == KindDisplayMemorySet:
		return fmt.Sprintf("%s (%d MiB)", o.Kind, o.DisplayMemoryMB)
	}
	return string(o.Kind)
}

// ---------------------------------------------------------------------------
// Decision table
// ---------------------------------------------------------------------------

const (
	familyI440fx = "i440fx"
	familyQ35    = "q35"

	cpuHost  = "host"
	cpuKVM64 = "kvm64"
)

// rule describes when a kind applies. A nil applies func means the kind has
// no source-state precondition.
type rule struct {
	attr    Attribute
	applies func(value string) bool
}

var rules = map[Kind]rule{
	KindMachineQ35:          {attr: AttrMachine, applies: func(v string) bool { return machineFamily(v) == familyI440fx }},
	KindMachineI440fx:       {attr: AttrMachine, applies: func(v string) bool { return machineFamily(v) == familyQ35 }},
	KindCPUHost:             {attr: AttrCPU, applies: func(v string) bool { return cpuType(v) == cpuKVM64 }},
	KindCPUKVM64:            {attr: AttrCPU, applies: func(v string) bool { return cpuType(v) == cpuHost }},
	KindDisplayMemorySet:    {attr: AttrDisplay},
	KindDisplayMemoryRevert: {attr: AttrDisplay},
	KindSnapshotOnly:        {},
}

// IsNeeded reports whether op would change a guest whose current attributes
// are attrs. It depends on nothing but its arguments.
func IsNeeded(op Operation, attrs Attributes) bool {
	r, ok := rules[op.Kind]
	if !ok {
		return false
	}
	if r.applies == nil {
		return true
	}
	return r.applies(attrs.Get(r.attr))
}

// machineFamily classifies a machine value: "pc", "pc-i440fx-X" and the
// legacy "pc-X.Y" are i440fx; "q35" and "pc-q35-X" are q35.
func machineFamily(value string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(value), ",")
	base = strings.TrimPrefix(base, "type=")
	switch {
	case base == "q35" || strings.HasPrefix(base, "pc-q35-"):
		return familyQ35
	case base == "pc" || strings.HasPrefix(base, "pc-i440fx-"):
		return familyI440fx
	case strings.HasPrefix(base, "pc-") && len(base) > 3 && base[3] >= '0' && base[3] <= '9':
		return familyI440fx
	}
	return ""
}

// cpuType returns the model of a cpu value such as "host,flags=+aes" or
// "cputype=kvm64".
func cpuType(value string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(value), ",")
	return strings.TrimPrefix(base, "cputype=")
}

// DisplayMemory reports the display memory qualifier of the attributes.
func (a Attributes) DisplayMemory() (int, bool) {
	return vm.DisplayMemory(a.Get(AttrDisplay))
}
