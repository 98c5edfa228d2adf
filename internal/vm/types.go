// Package vm defines the Proxmox VE guest model shared by the qm client and
// the reconciliation pipeline.
package vm

import (
	"context"
	"time"
)

// Status is the power state reported by `qm status`.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// NoDescription is the placeholder qm prints in place of an empty snapshot
// description.
const NoDescription = "no-description"

// VM holds the summary information for a guest as listed by the host.
type VM struct {
	ID     int    `json:"vmid"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	// Config is the top-level declared configuration. It is nil when the
	// guest's config file could not be read.
	Config map[string]string `json:"config,omitempty"`
}

// IsRunning reports whether the guest was running when it was listed.
func (v VM) IsRunning() bool {
	return v.Status == StatusRunning
}

// Snapshot holds metadata about a guest snapshot.
type Snapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// HasDescription reports whether the snapshot carries a real, user-visible
// description.
func (s Snapshot) HasDescription() bool {
	return s.Description != "" && s.Description != NoDescription
}

// Manager is the subset of the host management CLI this tool drives. Every
// method addresses exactly one guest by VMID, except ListVMs.
type Manager interface {
	ListVMs(ctx context.Context) ([]VM, error)
	Status(ctx context.Context, id int) (Status, error)
	SetOption(ctx context.Context, id int, option, value string) error
	Shutdown(ctx context.Context, id int) error
	ForceStop(ctx context.Context, id int) error
	Start(ctx context.Context, id int) error
	ListSnapshots(ctx context.Context, id int) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, id int, name, description string) error
	DeleteSnapshot(ctx context.Context, id int, name string) error
}
