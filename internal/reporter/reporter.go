// Package reporter emits structured trading output to stdout, separate
// from the slog diagnostic log stream. A CopytradeEvent is one JSON line
// per cycle that produced orders; the ExitSummary is a single
// pretty-printed JSON document on shutdown.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"polycopy/pkg/types"
)

// Reporter writes CopytradeEvents and the final ExitSummary to an output
// stream (stdout in production, a buffer in tests).
type Reporter struct {
	out    io.Writer
	logger *slog.Logger
}

// New creates a Reporter writing to os.Stdout.
func New(logger *slog.Logger) *Reporter {
	return &Reporter{out: os.Stdout, logger: logger.With("component", "reporter")}
}

// NewWithWriter creates a Reporter writing to an arbitrary stream.
func NewWithWriter(out io.Writer, logger *slog.Logger) *Reporter {
	return &Reporter{out: out, logger: logger.With("component", "reporter")}
}

// ReportEvent emits one CopytradeEvent as a single JSON line.
func (r *Reporter) ReportEvent(event types.CopytradeEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal copytrade event", "error", err)
		return
	}
	fmt.Fprintln(r.out, string(body))
}

// ReportExitSummary emits the final exit summary as pretty-printed JSON.
func (r *Reporter) ReportExitSummary(summary types.ExitSummary) {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		r.logger.Error("failed to marshal exit summary", "error", err)
		return
	}
	fmt.Fprintln(r.out, string(body))
}
