package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jamesprial/pvebatch/internal/reconcile"
)

// ErrQuit is returned when the operator quits or closes the input.
var ErrQuit = errors.New("quit")

// Prompter reads one line of operator input after showing prompt.
type Prompter interface {
	Ask(prompt string) (string, error)
}

// ReadlinePrompter is a Prompter backed by a readline terminal.
type ReadlinePrompter struct {
	rl *readline.Instance
}

// NewReadlinePrompter opens a readline instance on the terminal.
func NewReadlinePrompter() (*ReadlinePrompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline instance: %w", err)
	}
	return &ReadlinePrompter{rl: rl}, nil
}

// Ask shows prompt and returns the trimmed line. Ctrl+C on an empty line and
// Ctrl+D both map to ErrQuit.
func (p *ReadlinePrompter) Ask(prompt string) (string, error) {
	p.rl.SetPrompt(prompt)
	line, err := p.rl.Readline()
	switch {
	case errors.Is(err, readline.ErrInterrupt):
		if len(line) == 0 {
			return "", ErrQuit
		}
	case errors.Is(err, io.EOF):
		return "", ErrQuit
	case err != nil:
		return "", fmt.Errorf("readline error: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Stdout returns a writer that does not corrupt the prompt line.
func (p *ReadlinePrompter) Stdout() io.Writer {
	return p.rl.Stdout()
}

// Close releases the terminal.
func (p *ReadlinePrompter) Close() error {
	return p.rl.Close()
}

// PromptConfirmer asks the operator before each guest is changed. It
// implements reconcile.Confirmer.
type PromptConfirmer struct {
	Prompter Prompter
}

// Confirm asks for a yes/no answer. Anything but yes declines; quitting
// declines too.
func (c PromptConfirmer) Confirm(_ context.Context, id int, op reconcile.Operation) (bool, error) {
	answer, err := c.Prompter.Ask(fmt.Sprintf("Apply %s to VM %d? [y/N] ", op, id))
	if errors.Is(err, ErrQuit) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
