package vm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultConfigDir is where qemu-server keeps per-guest config files on a
// Proxmox VE node.
const DefaultConfigDir = "/etc/pve/qemu-server"

// ErrConfigNotFound is returned when a guest has no config file.
var ErrConfigNotFound = errors.New("guest config not found")

// ConfigStore reads and rewrites the "<vmid>.conf" files in Dir.
type ConfigStore struct {
	Dir string
}

// NewConfigStore returns a ConfigStore rooted at dir, or at DefaultConfigDir
// when dir is empty.
func NewConfigStore(dir string) *ConfigStore {
	if dir == "" {
		dir = DefaultConfigDir
	}
	return &ConfigStore{Dir: dir}
}

// Path returns the config file path for a guest.
func (s *ConfigStore) Path(id int) string {
	return filepath.Join(s.Dir, strconv.Itoa(id)+".conf")
}

// Read returns the raw config text of a guest.
func (s *ConfigStore) Read(id int) (string, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("vm %d: %w", id, ErrConfigNotFound)
		}
		return "", fmt.Errorf("read config for vm %d: %w", id, err)
	}
	return string(data), nil
}

// Write replaces the config text of an existing guest, keeping the file mode.
func (s *ConfigStore) Write(id int, text string) error {
	path := s.Path(id)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("vm %d: %w", id, ErrConfigNotFound)
		}
		return fmt.Errorf("stat config for vm %d: %w", id, err)
	}
	if err := os.WriteFile(path, []byte(text), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write config for vm %d: %w", id, err)
	}
	return nil
}
