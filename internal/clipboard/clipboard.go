// Package clipboard copies transcripts to the desktop clipboard through the
// platform's clipboard tool.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/fmueller/voxpipe/internal/proc"
)

var ErrUnavailable = errors.New("no clipboard command available (install wl-copy, xclip or pbcopy)")

const copyTimeout = 4 * time.Second

type tool struct {
	name string
	args []string
	// detach is set for tools that keep serving the selection after the
	// text is written and would block a waiting caller.
	detach bool
}

// Copier writes text with the first clipboard tool found on PATH.
type Copier struct {
	goos     string
	lookPath func(string) (string, error)
	run      proc.RunFunc
	detached func(path string, args []string, text string) error
}

func New() *Copier {
	return &Copier{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		run:      proc.Run,
		detached: startDetached,
	}
}

// Copy places text on the clipboard.
func (c *Copier) Copy(ctx context.Context, text string) error {
	t, path, err := c.detect()
	if err != nil {
		return err
	}
	if t.detach {
		return c.detached(path, t.args, text)
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	if _, err := c.run(copyCtx, proc.Command{Path: path, Args: t.args, Stdin: strings.NewReader(text)}); err != nil {
		if errors.Is(copyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard timed out: %w", copyCtx.Err())
		}
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

func (c *Copier) detect() (tool, string, error) {
	candidates := []tool{
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, detach: true},
	}
	if c.goos == "darwin" {
		candidates = []tool{{name: "pbcopy"}}
	}

	for _, t := range candidates {
		if path, err := c.lookPath(t.name); err == nil {
			return t, path, nil
		}
	}
	return tool{}, "", ErrUnavailable
}

func startDetached(path string, args []string, text string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start clipboard command: %w", err)
	}
	if _, err := io.WriteString(stdin, text); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("close clipboard stdin: %w", err)
	}

	_ = cmd.Process.Release()
	return nil
}
