package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// stderrLine prints one prefixed, colorized line. All human-facing CLI
// output goes to stderr so query answers and JSON stay clean on stdout.
func stderrLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	stderrLine(colorGreen, "✓ ", format, args...)
}

func printError(format string, args ...any) {
	stderrLine(colorRed, "✗ ", format, args...)
}

func printWarning(format string, args ...any) {
	stderrLine(colorYellow, "⚠ ", format, args...)
}

func printStep(format string, args ...any) {
	stderrLine(colorCyan, "→ ", format, args...)
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, fmt.Sprintf("%-10s", label+":")), val)
}
