// Package qm drives the Proxmox VE `qm` command-line tool and implements
// vm.Manager on top of it.
package qm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultBinary is the qm executable looked up on PATH.
const DefaultBinary = "qm"

// Runner executes one qm invocation and returns its captured output.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// selfTimed lists subcommands that take their own --timeout and may block
// for as long as it says. Timeout does not apply to them; the caller bounds
// them through ctx.
var selfTimed = map[string]bool{
	"shutdown": true,
}

// ExecRunner runs qm as a child process.
type ExecRunner struct {
	Binary string
	// Timeout bounds each invocation except the selfTimed ones. Zero means
	// no limit beyond ctx.
	Timeout time.Duration
}

// Run executes the binary with args.
func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if r.Timeout > 0 && (len(args) == 0 || !selfTimed[args[0]]) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	detach(cmd)
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CommandError describes a failed qm invocation. Output is the raw text the
// tool printed, kept verbatim for diagnostics.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("qm %s", strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// checkResult turns a finished invocation into an error when qm exited
// non-zero or reported an error on stderr.
func checkResult(args []string, stdout, stderr []byte, err error) error {
	output := strings.TrimSpace(string(stderr))
	if output == "" {
		output = strings.TrimSpace(string(stdout))
	}

	if err != nil {
		ce := &CommandError{Args: args, Output: output, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
		}
		return ce
	}
	if hasErrorLine(stderr) {
		return &CommandError{Args: args, Output: strings.TrimSpace(string(stderr))}
	}
	return nil
}

// hasErrorLine reports whether any stderr line starts with an error marker.
// qm prints warnings on stderr for successful calls, so only explicit error
// lines count.
func hasErrorLine(stderr []byte) bool {
	for _, line := range strings.Split(string(stderr), "\n") {
		l := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(l, "error") || strings.HasPrefix(l, "unable to") {
			return true
		}
	}
	return false
}
