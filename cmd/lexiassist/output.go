package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lensisku/lexiassist/internal/lexicon"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notify writes one decorated status line to stderr. Stdout carries command
// results only.
func notify(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notify(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notify(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notify(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { notify(colorCyan, "→", format, args...) }

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// writeResults renders search results one per block.
func writeResults(w io.Writer, res lexicon.Result) {
	if len(res.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for _, r := range res.Results {
		header := colorize(colorBold, r.Valsi)
		if r.Selmaho != "" {
			header += " " + colorize(colorCyan, "["+r.Selmaho+"]")
		}
		fmt.Fprintf(w, "%s %s %s\n", header, colorize(colorDim, "("+r.Lang+")"),
			colorize(colorDim, fmt.Sprintf("similarity %.3f, score %.0f", r.Similarity, r.Score)))
		fmt.Fprintf(w, "  %s\n", r.Definition)
	}
	fmt.Fprintf(w, "\n%d of %d shown\n", len(res.Results), res.Total)
}
