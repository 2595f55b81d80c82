// Package volume implements the multi-volume (tape) handoff protocol used
// on both the input and output sides of the pipe: prompting an operator (or
// running an autoloader command) to swap media, then resuming.
package volume

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/term"

	"github.com/user/blockpipe"
)

// Prompter reads an operator's acknowledgment from the controlling
// terminal. It is an interface so tests can supply a scripted one.
type Prompter interface {
	IsTerminal() bool
	Prompt(ctx context.Context, msg string) error
}

// TerminalPrompter reads a line from os.Stdin after printing msg to
// os.Stderr, matching the behavior of interactive CLI tools that pause for
// the operator to swap media.
type TerminalPrompter struct{}

// IsTerminal reports whether stdin is attached to a terminal.
func (TerminalPrompter) IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Prompt writes msg and blocks for a newline on stdin, or until ctx is done.
func (TerminalPrompter) Prompt(ctx context.Context, msg string) error {
	fmt.Fprintln(os.Stderr, msg)
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(os.Stdin).ReadString('\n')
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Changer drives the volume-change sequence: run an autoloader command if
// one is configured, otherwise prompt, then wait a settle delay before
// letting the caller reopen the destination or source.
type Changer struct {
	AutoloadCmd   string
	AutoloadDelay time.Duration
	Prompter      Prompter
	Logger        blockpipe.Logger
}

// Run executes one volume change for the side described by what ("output"
// or "input"), returning once the new volume is ready to use.
func (c *Changer) Run(ctx context.Context, what string) error {
	if c.AutoloadCmd != "" {
		c.Logger.Info("running autoloader command", "side", what, "command", c.AutoloadCmd)
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.AutoloadCmd)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("volume: autoloader command failed: %w", err)
		}
	} else if c.Prompter != nil && c.Prompter.IsTerminal() {
		if err := c.Prompter.Prompt(ctx, fmt.Sprintf("%s volume full or empty: insert next volume and press Enter", what)); err != nil {
			return fmt.Errorf("volume: prompt: %w", err)
		}
	} else {
		return fmt.Errorf("volume: no autoloader command and no terminal to prompt on")
	}

	if c.AutoloadDelay > 0 {
		select {
		case <-time.After(c.AutoloadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
