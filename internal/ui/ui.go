// Package ui holds the terminal color and progress-symbol helpers behind
// the scheduler's live progress lines.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// IsTTY is true when stdout appears to be an interactive terminal.
var IsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	gray   = color.New(color.Faint)
)

// Symbol is one of the scheduler's per-task-transition markers.
type Symbol string

// One symbol per task transition kind.
const (
	SymbolSharedHit   Symbol = "⇩" // ⇩
	SymbolSharedStore Symbol = "⇧" // ⇧
	SymbolDonefileHit Symbol = "○" // ○
	SymbolUpToDate    Symbol = "■" // ■
	SymbolBuilt       Symbol = "✓" // ✓
	SymbolFailed      Symbol = "✗" // ✗
	SymbolSkipped     Symbol = "○" // ○
)

// Colorize renders a symbol with a color appropriate to its meaning. When
// stdout isn't a TTY, the plain symbol is returned unmodified so CI logs
// stay grep-friendly.
func Colorize(sym Symbol) string {
	if !IsTTY {
		return string(sym)
	}
	switch sym {
	case SymbolBuilt, SymbolSharedHit, SymbolDonefileHit, SymbolUpToDate:
		return green.Sprint(string(sym))
	case SymbolFailed:
		return red.Sprint(string(sym))
	case SymbolSharedStore:
		return cyan.Sprint(string(sym))
	default:
		return string(sym)
	}
}

// Dim renders faint text, used for secondary detail (durations, cache keys).
func Dim(s string) string {
	if !IsTTY {
		return s
	}
	return gray.Sprint(s)
}

// PrintTaskLine writes one line of the scheduler's live progress output:
// the tier symbol, the task ID, and its elapsed duration.
func PrintTaskLine(w io.Writer, sym Symbol, taskID string, d time.Duration) {
	fmt.Fprintf(w, "%s %s %s\n", Colorize(sym), taskID, Dim(d.Round(time.Millisecond).String()))
}
