package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"nae-runtime/internal/security"
)

// CommandRunner runs one command and returns its captured output.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ExecRunner runs commands as host processes. With Program set the command
// text is passed as the final argument (for example vtysh -c); otherwise
// the command is split into fields and run directly, never through a shell.
type ExecRunner struct {
	Program string
	Args    []string
	Timeout time.Duration
}

// NewCLIRunner runs switch CLI commands through vtysh.
func NewCLIRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Program: "vtysh", Args: []string{"-c"}, Timeout: timeout}
}

func NewShellRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, command string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if r.Program != "" {
		cmd = exec.CommandContext(ctx, r.Program, append(append([]string(nil), r.Args...), command)...)
	} else {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return "", errors.New("empty command")
		}
		cmd = exec.CommandContext(ctx, fields[0], fields[1:]...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("%q: %w", command, ctx.Err())
		}
		return out.String(), fmt.Errorf("%q: %w", command, err)
	}
	return out.String(), nil
}

// CLI runs a read-only switch command and attaches its output under title.
func (b *Bus) CLI(ctx context.Context, command, title string) (string, error) {
	if b.Destroyed() {
		return "", ErrDestroyed
	}
	if !security.IsReadOnlyCLI(command) {
		return "", b.done(KindCLI, fmt.Errorf("%q is not a read-only command", command))
	}
	return b.run(ctx, KindCLI, b.exec.CLI, command, title)
}

// Shell runs an allow-listed host tool and attaches its output under title.
func (b *Bus) Shell(ctx context.Context, command, title string) (string, error) {
	if b.Destroyed() {
		return "", ErrDestroyed
	}
	if !b.exec.Allowlist.Allows(command) {
		return "", b.done(KindShell, fmt.Errorf("%q is not allowed", command))
	}
	return b.run(ctx, KindShell, b.exec.Shell, command, title)
}

func (b *Bus) run(ctx context.Context, kind string, runner CommandRunner, command, title string) (string, error) {
	if runner == nil {
		return "", b.done(kind, errors.New("no executor configured"))
	}
	if b.exec.Limits.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.exec.Limits.CommandTimeout)
		defer cancel()
	}
	text, err := runner.Run(ctx, command)
	text = b.exec.Limits.Truncate(text)
	if title == "" {
		title = command
	}
	o := Output{Kind: kind, Title: title, Command: command, Text: text, At: b.now().UTC()}
	if err != nil {
		o.Error = err.Error()
	}
	b.capture(o)
	return text, b.done(kind, err)
}
