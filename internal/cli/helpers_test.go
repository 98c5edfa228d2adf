package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/jamesprial/pvebatch/internal/config"
	"github.com/jamesprial/pvebatch/internal/qm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// fakeQM emulates the qm CLI for a handful of guests. fail maps "verb vmid"
// to the stderr text that invocation fails with.
type fakeQM struct {
	mu     sync.Mutex
	names  map[int]string
	status map[int]string
	snaps  map[int][]string
	fail   map[string]string
	calls  []string
}

func newFakeQM() *fakeQM {
	return &fakeQM{
		names:  make(map[int]string),
		status: make(map[int]string),
		snaps:  make(map[int][]string),
		fail:   make(map[string]string),
	}
}

func (f *fakeQM) add(id int, name, status string) {
	f.names[id] = name
	f.status[id] = status
}

func (f *fakeQM) Run(_ context.Context, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))

	var id int
	if len(args) > 1 {
		id, _ = strconv.Atoi(args[1])
		if msg, ok := f.fail[args[0]+" "+args[1]]; ok {
			return nil, []byte(msg), errors.New("exit status 255")
		}
	}

	var out strings.Builder
	switch args[0] {
	case "list":
		out.WriteString("      VMID NAME                 STATUS     MEM(MB)    BOOTDISK(GB) PID\n")
		ids := make([]int, 0, len(f.names))
		for id := range f.names {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(&out, "%10d %-20s %-10s 2048 32.00 0\n", id, f.names[id], f.status[id])
		}
	case "status":
		fmt.Fprintf(&out, "status: %s\n", f.status[id])
	case "shutdown", "stop":
		f.status[id] = "stopped"
	case "start":
		f.status[id] = "running"
	case "listsnapshot":
		for _, s := range f.snaps[id] {
			fmt.Fprintf(&out, "`-> %s 2026-01-02 03:04:05 no-description\n", s)
		}
		out.WriteString("`-> current You are here!\n")
	case "snapshot":
		f.snaps[id] = append(f.snaps[id], args[2])
	case "delsnapshot":
		kept := f.snaps[id][:0]
		for _, s := range f.snaps[id] {
			if s != args[2] {
				kept = append(kept, s)
			}
		}
		f.snaps[id] = kept
	}
	return []byte(out.String()), nil, nil
}

// mutations returns the recorded calls that change state.
func (f *fakeQM) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		verb, _, _ := strings.Cut(c, " ")
		switch verb {
		case "list", "status", "listsnapshot":
			continue
		}
		out = append(out, c)
	}
	return out
}

type testHost struct {
	qm      *fakeQM
	config  string
	dir     string
	confDir string
}

// newTestHost writes a config pointing every path into a temp dir and routes
// qm invocations to a fake with two guests: 100 running on i440fx/kvm64 and
// 101 stopped on q35/host.
func newTestHost(t *testing.T) *testHost {
	t.Helper()
	dir := t.TempDir()
	confDir := filepath.Join(dir, "qemu-server")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(confDir, "100.conf"), "boot: order=scsi0\ncpu: kvm64\nmachine: pc-i440fx-8.1\nvga: std\n")
	writeFile(t, filepath.Join(confDir, "101.conf"), "cpu: host\nmachine: q35\n")

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`qm:
  binary: qm
  config_dir: %s
lifecycle:
  poll_interval: 1ms
  shutdown_timeout: 50ms
audit:
  enabled: true
  log_path: %s
history:
  enabled: true
  db_path: %s
log:
  level: error
require_root: false
`, confDir, filepath.Join(dir, "audit.log"), filepath.Join(dir, "history.db")))

	fake := newFakeQM()
	fake.add(100, "web", "running")
	fake.add(101, "db", "stopped")

	orig := newRunner
	newRunner = func(config.QMConfig) qm.Runner { return fake }
	t.Cleanup(func() { newRunner = orig })

	return &testHost{qm: fake, config: cfgPath, dir: dir, confDir: confDir}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// resetFlags restores every flag to its default so commands can be executed
// repeatedly in one process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// scriptedPrompter answers from a fixed list, then reports end of input.
type scriptedPrompter struct {
	answers []string
	prompts []string
	out     bytes.Buffer
}

func (p *scriptedPrompter) Ask(prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if len(p.answers) == 0 {
		return "", io.EOF
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompter) Stdout() io.Writer { return &p.out }

func (p *scriptedPrompter) Close() error { return nil }

func usePrompter(t *testing.T, answers ...string) *scriptedPrompter {
	t.Helper()
	p := &scriptedPrompter{answers: answers}
	orig := openPrompter
	openPrompter = func() (prompter, error) { return p, nil }
	t.Cleanup(func() { openPrompter = orig })
	return p
}
