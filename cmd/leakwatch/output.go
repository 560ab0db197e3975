package main

import (
	"fmt"
	"os"
)

// CLI progress output. Everything goes to stderr so that piped run
// reports stay clean JSON.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func paint(code, s string) string {
	if noColor {
		return s
	}
	return code + s + ansiReset
}

func printLine(code, marker, format string, args ...any) {
	fmt.Fprintln(os.Stderr, paint(code, marker+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(ansiGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(ansiRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(ansiYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printLine(ansiCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
