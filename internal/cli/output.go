package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/gisement-io/gisement/internal/engine"
	"github.com/gisement-io/gisement/internal/ir"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// colorize returns the ANSI code unless colors are disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// actionSymbol mirrors the symbols of a diff: + created, ~ updated,
// -/+ recreated after the stored id went stale.
func actionSymbol(r ir.RecordResult) (string, string) {
	if r.State == ir.StateError {
		return "!", colorRed
	}
	switch r.Action {
	case ir.ActionCreate:
		return "+", colorGreen
	case ir.ActionRecreate:
		return "-/+", colorYellow
	default:
		return "~", colorYellow
	}
}

// progressPrinter prints one line per record as the batch runs.
func progressPrinter(w io.Writer) engine.EventCallback {
	return func(ev engine.Event) {
		switch ev.Status {
		case "started":
			fmt.Fprintf(w, "Syncing %q (%s)... ", ev.Name, ev.SourceID)
		case "published":
			fmt.Fprintf(w, "%sOK%s (%s, %s)\n", colorize(colorGreen), colorize(colorReset), ev.Action, ev.Duration.Round(time.Millisecond))
		case "failed":
			fmt.Fprintf(w, "%sFAILED%s: %v\n", colorize(colorRed), colorize(colorReset), ev.Error)
		}
	}
}

// renderRecords prints the per-record outcome of a batch.
func renderRecords(w io.Writer, result *ir.BatchResult) {
	for _, r := range result.Records {
		symbol, color := actionSymbol(r)
		fmt.Fprintf(w, "%s  %-3s %s%s  %s", colorize(color), symbol, r.Name, colorize(colorReset), r.SourceID)
		if r.ItemID != "" {
			fmt.Fprintf(w, " -> %s (%s)", r.ItemID, r.Slug)
		}
		fmt.Fprintln(w)
		if r.Error != "" {
			fmt.Fprintf(w, "        error: %s\n", r.Error)
		}
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "        warning: %s\n", warn)
		}
	}
}

// renderSummary prints the batch summary counts.
func renderSummary(w io.Writer, result *ir.BatchResult) {
	fmt.Fprintf(w, "\nBatch %s complete! Records: %d published, %d failed.\n",
		result.RunID, result.Published(), result.Failed())
	if !result.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}
}
