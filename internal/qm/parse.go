package qm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jamesprial/pvebatch/internal/vm"
)

// Every assumption about qm's human-readable output lives in this file.
//
// `qm list`:
//
//	      VMID NAME                 STATUS     MEM(MB)    BOOTDISK(GB) PID
//	       100 web01                running    2048              32.00 1234
//
// One header line, then whitespace-separated columns. Column 0 is the VMID,
// column 1 the name, column 2 the status.
//
// `qm status <vmid>`:
//
//	status: running
//
// `qm listsnapshot <vmid>`:
//
//	`-> before-upgrade           2024-03-01 10:12:45     no-description
//	 `-> pvebatch_20240302_1010  2024-03-02 10:10:10     pvebatch automatic snapshot
//	  `-> current                                        You are here!
//
// Each line is indented by tree depth and prefixed by "`->". After the glyph,
// field 0 is the name, fields 1 and 2 the creation date and time, and the
// description starts at field 3. The "current" entry has no date and marks
// the live state; it is not a snapshot.

const (
	listHeader       = "VMID"
	snapshotGlyph    = "`->"
	currentMarker    = "current"
	snapshotTimeForm = "2006-01-02 15:04:05"
)

// ParseList parses `qm list` output. Lines that do not start with a numeric
// VMID are skipped. The result is sorted by VMID.
func ParseList(out string) []vm.VM {
	var vms []vm.VM
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == listHeader {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		vms = append(vms, vm.VM{
			ID:     id,
			Name:   fields[1],
			Status: parseStatusWord(fields[2]),
		})
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	if vms == nil {
		vms = []vm.VM{}
	}
	return vms
}

// ParseStatus parses `qm status` output.
func ParseStatus(out string) (vm.Status, error) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || strings.TrimSpace(key) != "status" {
			continue
		}
		return parseStatusWord(strings.TrimSpace(value)), nil
	}
	return vm.StatusUnknown, fmt.Errorf("unexpected qm status output %q", strings.TrimSpace(out))
}

func parseStatusWord(s string) vm.Status {
	switch strings.ToLower(s) {
	case "running":
		return vm.StatusRunning
	case "stopped":
		return vm.StatusStopped
	default:
		return vm.StatusUnknown
	}
}

// ParseSnapshots parses `qm listsnapshot` output in listing order, dropping
// the "current" marker.
func ParseSnapshots(out string) []vm.Snapshot {
	snaps := []vm.Snapshot{}
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, snapshotGlyph))
		fields := strings.Fields(trimmed)
		if len(fields) == 0 || fields[0] == currentMarker {
			continue
		}

		snap := vm.Snapshot{Name: fields[0]}
		rest := fields[1:]
		if len(rest) >= 2 {
			if ts, err := time.ParseInLocation(snapshotTimeForm, rest[0]+" "+rest[1], time.Local); err == nil {
				snap.CreatedAt = ts
				rest = rest[2:]
			}
		}
		snap.Description = strings.Join(rest, " ")
		snaps = append(snaps, snap)
	}
	return snaps
}
