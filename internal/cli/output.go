package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Output writes command results in either human or JSON form, chosen by
// the --json flag. Color is handled by fatih/color, which disables itself
// when stdout is not a terminal.
type Output struct {
	w        io.Writer
	jsonMode bool

	success *color.Color
	failure *color.Color
	warning *color.Color
	heading *color.Color
	muted   *color.Color
}

// NewOutput builds an Output from the command's flags and writer.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		w:        cmd.OutOrStdout(),
		jsonMode: jsonMode,
		success:  color.New(color.FgGreen),
		failure:  color.New(color.FgRed),
		warning:  color.New(color.FgYellow),
		heading:  color.New(color.Bold, color.FgCyan),
		muted:    color.New(color.Faint),
	}
}

// JSONMode reports whether the caller asked for machine-readable output.
func (o *Output) JSONMode() bool { return o.jsonMode }

// JSON writes v as indented JSON regardless of mode.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.w, args...)
}

func (o *Output) Heading(format string, args ...any) {
	o.heading.Fprintf(o.w, format+"\n", args...)
}

func (o *Output) Success(format string, args ...any) {
	o.success.Fprintf(o.w, "✓ "+format+"\n", args...)
}

func (o *Output) Error(format string, args ...any) {
	o.failure.Fprintf(o.w, "✗ "+format+"\n", args...)
}

func (o *Output) Warning(format string, args ...any) {
	o.warning.Fprintf(o.w, "! "+format+"\n", args...)
}

func (o *Output) Dim(format string, args ...any) {
	o.muted.Fprintf(o.w, format+"\n", args...)
}

// PnL renders a signed amount green or red.
func (o *Output) PnL(s string, positive bool) string {
	if positive {
		return o.success.Sprint(s)
	}
	return o.failure.Sprint(s)
}
