// Package diagio renders bordered stderr diagnostics: every hard block
// states the rule that triggered it, the offending input, and the
// remediation, inside a bordered section header with bulleted actions.
// Colour is disabled automatically on a non-tty stderr.
package diagio

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

func init() {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
}

var (
	headerColor = color.New(color.FgRed, color.Bold)
	ruleColor   = color.New(color.FgYellow)
	bullet      = color.New(color.FgCyan)
)

// Block renders a hard-block diagnostic: a bordered header naming the
// rule, the offending input, and a bulleted remediation list.
func Block(w io.Writer, rule, offending string, remediation ...string) {
	border(w, headerColor.Sprintf("BLOCKED: %s", rule))
	if offending != "" {
		fmt.Fprintf(w, "  Input: %s\n", offending)
	}
	for _, r := range remediation {
		fmt.Fprintf(w, "  %s %s\n", bullet.Sprint("-"), r)
	}
	fmt.Fprintln(w)
}

// Warn renders an advisory diagnostic (exit 1) with the same shape but a
// softer header.
func Warn(w io.Writer, rule, message string, remediation ...string) {
	border(w, ruleColor.Sprintf("WARNING: %s", rule))
	if message != "" {
		fmt.Fprintf(w, "  %s\n", message)
	}
	for _, r := range remediation {
		fmt.Fprintf(w, "  %s %s\n", bullet.Sprint("-"), r)
	}
	fmt.Fprintln(w)
}

func border(w io.Writer, title string) {
	fmt.Fprintln(w, "────────────────────────────────────────────────────────")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "────────────────────────────────────────────────────────")
}
