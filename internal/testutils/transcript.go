package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is an interface that matches the methods we need from testing.T
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TranscriptOptions controls how a PDU transcript is normalized before comparison.
type TranscriptOptions struct {
	// SquashSpaces collapses runs of spaces, so column padding does not matter
	SquashSpaces bool `default:"true"`
	// TrimSpace trims each line and the transcript as a whole
	TrimSpace bool `default:"true"`
	// OnlyPDUs keeps just the lines starting with a direction arrow
	OnlyPDUs bool `default:"false"`
	// EnableColors colours the unified diff on failure
	EnableColors bool `default:"false"`
}

// TranscriptOption is a functional option for configuring TranscriptAsserter
type TranscriptOption func(*TranscriptOptions)

// TranscriptAsserter compares command output holding a PDU trace against a
// golden transcript and reports a unified diff on mismatch.
type TranscriptAsserter struct {
	t       TestingT
	options TranscriptOptions
}

var spaces = regexp.MustCompile(` {2,}`)

// NewTranscriptAsserter creates a TranscriptAsserter with default options
func NewTranscriptAsserter(t TestingT, opts ...TranscriptOption) *TranscriptAsserter {
	o := TranscriptOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TranscriptAsserter{t: t, options: o}
}

// Assert reports a failure when actual and expected differ after normalization.
func (a *TranscriptAsserter) Assert(actual, expected string) bool {
	if d := a.Diff(actual, expected); d != "" {
		a.t.Errorf("Transcript mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns the unified diff between the normalized transcripts, or "".
func (a *TranscriptAsserter) Diff(actual, expected string) string {
	want := a.normalize(expected)
	got := a.normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	return a.colorize(unified)
}

func (a *TranscriptAsserter) normalize(text string) string {
	if a.options.TrimSpace {
		text = strings.TrimSpace(text)
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if a.options.SquashSpaces {
			line = spaces.ReplaceAllString(line, " ")
		}
		if a.options.TrimSpace {
			line = strings.TrimSpace(line)
		}
		if a.options.OnlyPDUs && !strings.HasPrefix(line, "->") && !strings.HasPrefix(line, "<-") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

func (a *TranscriptAsserter) colorize(diff string) string {
	if !a.options.EnableColors {
		return diff
	}

	del := color.New(color.FgRed)
	del.EnableColor()
	add := color.New(color.FgGreen)
	add.EnableColor()
	hunk := color.New(color.FgCyan)
	hunk.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = hunk.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithOnlyPDUs drops every line that is not part of the PDU trace.
func WithOnlyPDUs(only bool) TranscriptOption {
	return func(o *TranscriptOptions) {
		o.OnlyPDUs = only
	}
}

// WithSquashSpaces sets whether runs of spaces compare equal to one space.
func WithSquashSpaces(squash bool) TranscriptOption {
	return func(o *TranscriptOptions) {
		o.SquashSpaces = squash
	}
}

// WithColors enables coloured diff output.
func WithColors(enable bool) TranscriptOption {
	return func(o *TranscriptOptions) {
		o.EnableColors = enable
	}
}
