// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package term defines the narrow contract the core depends on for
// rendering — box drawing, progress bars, colored text, and
// sub-window process execution — per spec.md §6's "Terminal
// collaborator contract". Full PTY/ANSI rendering is out of scope;
// this package supplies the interface plus a minimal, non-interactive
// implementation sufficient for batch commands and tests.
package term

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/xo/terminfo"
	terminal "golang.org/x/crypto/ssh/terminal"
)

// Renderer is the contract the core components (C5's progress
// reporting, C7's status lines) are written against.
type Renderer interface {
	// Columns returns the current terminal width, for box/histogram
	// sizing.
	Columns() int

	// ExecuteInSubwindow runs command, returning true on a zero exit
	// status. If eatKill is true, an interrupt delivered to the
	// parent process is swallowed rather than forwarded, so the user
	// can escape a hung launched binary without killing the session.
	ExecuteInSubwindow(ctx context.Context, command []string, title string, rows int, cwd string, eatKill bool) bool

	// ProgressBar renders a single progress bar of the given width
	// and fraction complete.
	ProgressBar(width int, fraction float64)

	// Histogram renders the timeline histogram buckets §4.5 describes.
	Histogram(buckets []float64)

	// Prompt asks a yes/no question and returns the user's answer.
	Prompt(question string) bool

	// Println writes a line of status text, colored per kind.
	Println(kind Kind, text string)
}

// Kind selects the color convention used for a line of output.
type Kind int

const (
	KindNeutral Kind = iota
	KindGood
	KindBad
	KindKey
)

// BasicRenderer is a minimal, mostly non-interactive implementation:
// it writes to an io.Writer instead of driving a PTY sub-window, good
// enough for batch commands (compile/update/compress) and for tests.
// An interactive front end can satisfy Renderer with a richer
// implementation without the core needing to change.
type BasicRenderer struct {
	Out          io.Writer
	In           io.Reader
	ColumnsValue int
	AutoAnswer   *bool // if set, Prompt returns this without reading In
	noColor      bool
}

// NewBasicRenderer builds a BasicRenderer, probing the real terminal
// width via golang.org/x/crypto/ssh/terminal when Out is a TTY (the
// same terminal.IsTerminal/GetSize pair the teacher uses to size its
// own output) and the color capability of $TERM via xo/terminfo, so
// batch output degrades gracefully when piped to a file or CI log.
func NewBasicRenderer(out io.Writer, in io.Reader) *BasicRenderer {
	r := &BasicRenderer{Out: out, In: in, ColumnsValue: 80}
	if f, ok := out.(interface{ Fd() uintptr }); ok && terminal.IsTerminal(int(f.Fd())) {
		if w, _, err := terminal.GetSize(int(f.Fd())); err == nil && w > 0 {
			r.ColumnsValue = w
		}
	} else {
		r.noColor = true
	}
	if ti, err := terminfo.LoadFromEnv(); err != nil || ti.Nums[terminfo.MaxColors] <= 1 {
		r.noColor = true
	}
	return r
}

func (r *BasicRenderer) Columns() int {
	if r.ColumnsValue <= 0 {
		return 80
	}
	return r.ColumnsValue
}

// ExecuteInSubwindow runs command via the shell-less argv form,
// capturing combined output into Out. eatKill has no effect here
// since this renderer has no PTY to forward signals through in the
// first place; a true interactive renderer handles that distinction.
func (r *BasicRenderer) ExecuteInSubwindow(ctx context.Context, command []string, title string, rows int, cwd string, eatKill bool) bool {
	if len(command) == 0 {
		return false
	}
	fmt.Fprintf(r.Out, "--- %s ---\n", title)
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Stdout = r.Out
	cmd.Stderr = r.Out
	return cmd.Run() == nil
}

func (r *BasicRenderer) ProgressBar(width int, fraction float64) {
	if width < 1 {
		width = 1
	}
	filled := int(float64(width) * fraction)
	if filled > width {
		filled = width
	}
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '#'
		} else {
			bar[i] = '-'
		}
	}
	fmt.Fprint(r.Out, string(bar))
}

func (r *BasicRenderer) Histogram(buckets []float64) {
	for _, b := range buckets {
		switch {
		case b >= 0.66:
			fmt.Fprint(r.Out, r.colorize(color.FgGreen, "#"))
		case b > 0:
			fmt.Fprint(r.Out, r.colorize(color.FgYellow, "."))
		default:
			fmt.Fprint(r.Out, " ")
		}
	}
	fmt.Fprintln(r.Out)
}

// colorize applies attr unless the renderer has decided, at
// construction, that the terminal has no usable color capability
// (piped output, or a $TERM entry with fewer than two colors).
func (r *BasicRenderer) colorize(attr color.Attribute, text string) string {
	if r.noColor {
		return text
	}
	return color.New(attr).Sprint(text)
}

func (r *BasicRenderer) Prompt(question string) bool {
	if r.AutoAnswer != nil {
		return *r.AutoAnswer
	}
	fmt.Fprintf(r.Out, "%s (y/n) ", question)
	if r.In == nil {
		return false
	}
	var answer string
	fmt.Fscanln(r.In, &answer)
	return answer == "y" || answer == "yes"
}

func (r *BasicRenderer) Println(kind Kind, text string) {
	switch kind {
	case KindGood:
		fmt.Fprintln(r.Out, r.colorize(color.FgGreen, text))
	case KindBad:
		fmt.Fprintln(r.Out, r.colorize(color.FgRed, text))
	case KindKey:
		fmt.Fprintln(r.Out, r.colorize(color.FgCyan, text))
	default:
		fmt.Fprintln(r.Out, text)
	}
}

// TrimToWidth truncates a string to at most width printed columns,
// honoring wide runes the way the original's terminal.trim_str does.
func TrimToWidth(s string, width int) string {
	return runewidth.Truncate(s, width, "")
}
