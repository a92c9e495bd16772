// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package console prints the training reports meant for the user: the seed, the validation results
// and the timing of each epoch. The lines are styled with lipgloss when the output is a color terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	titleColor = lipgloss.Color("#9E7BD0")
	keyColor   = lipgloss.Color("#705090")
	valueColor = lipgloss.Color("#50A0C0")
)

// Result is one named value reported after an epoch.
type Result struct {
	Name  string
	Value float64
}

// Printer writes the reports to an io.Writer.
type Printer struct {
	out                         io.Writer
	styled                      bool
	title, key, value, duration lipgloss.Style
}

// New returns a Printer writing to out. Lines are styled if out is a terminal supporting colors.
func New(out io.Writer) *Printer {
	output := termenv.NewOutput(out)
	p := &Printer{out: out}
	if f, ok := out.(*os.File); ok && output.ColorProfile() != termenv.Ascii {
		p.styled = isTerminal(f)
	}
	renderer := lipgloss.NewRenderer(out)
	p.title = renderer.NewStyle().Foreground(titleColor)
	p.key = renderer.NewStyle().Foreground(keyColor)
	p.value = renderer.NewStyle().Foreground(valueColor)
	p.duration = renderer.NewStyle().Foreground(valueColor).Italic(true)
	return p
}

// Stdout is the Printer for os.Stdout.
func Stdout() *Printer {
	return New(os.Stdout)
}

// NewPlain returns a Printer that never styles its output.
func NewPlain(out io.Writer) *Printer {
	return &Printer{out: out}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// Println prints the values separated by spaces, styled as a title.
func (p *Printer) Println(a ...any) {
	_, _ = fmt.Fprintln(p.out, p.render(p.title, fmt.Sprint(a...)))
}

// UsingSeed reports the seed of the run.
func (p *Printer) UsingSeed(seed int) {
	_, _ = fmt.Fprintf(p.out, "%s %s\n", p.render(p.title, "Using seed:"), p.render(p.value, fmt.Sprint(seed)))
}

// ValidationResults reports the evaluation after the 1-based epoch, as
// "Validation Results - Epoch: N name: value, ...", values with 2 decimal places.
func (p *Printer) ValidationResults(epoch int, results []Result) {
	parts := make([]string, len(results))
	for ii, result := range results {
		parts[ii] = fmt.Sprintf("%s %s", p.render(p.key, result.Name+":"), p.render(p.value, fmt.Sprintf("%.2f", result.Value)))
	}
	_, _ = fmt.Fprintf(p.out, "%s %s\n", p.render(p.title, fmt.Sprintf("Validation Results - Epoch: %d", epoch)),
		strings.Join(parts, ", "))
}

// EpochDone reports the mean duration of the train steps of the 1-based epoch, as
// "Epoch N done. Time per batch: X.XXX[s]".
func (p *Printer) EpochDone(epoch int, timePerBatch time.Duration) {
	_, _ = fmt.Fprintf(p.out, "%s %s\n", p.render(p.title, fmt.Sprintf("Epoch %d done. Time per batch:", epoch)),
		p.render(p.duration, fmt.Sprintf("%.3f[s]", timePerBatch.Seconds())))
}
