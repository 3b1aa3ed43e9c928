package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/resourcestats/internal/config"
	"github.com/ehr/resourcestats/internal/domain/population"
	"github.com/ehr/resourcestats/internal/domain/summary"
	"github.com/ehr/resourcestats/internal/platform/reporting"
)

// writeReport renders the report document in the configured format.
func writeReport(w io.Writer, report *summary.Report, format string) error {
	switch format {
	case config.FormatTOML:
		enc := toml.NewEncoder(w)
		enc.SetIndentTables(true)
		if err := enc.Encode(report.Document()); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
		return nil
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}
}

// writeFailures lists the patients left out of a run, one per line.
func writeFailures(w io.Writer, failures []population.Failure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintf(w, "%d patient(s) excluded:\n", len(failures))
	for _, f := range failures {
		fmt.Fprintf(w, "  %s: %s\n", f.Patient, f.Reason)
	}
}

// writeRuns prints a run listing as a fixed-width table.
func writeRuns(w io.Writer, runs []*reporting.Run, total int) {
	fmt.Fprintf(w, "%-36s %-20s %-8s %-9s %-12s %s\n", "ID", "FINISHED", "LAYOUT", "PATIENTS", "CONTRIBUTING", "FAILURES")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s %-20s %-8s %-9d %-12d %d\n",
			r.ID, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Layout, r.Patients, r.Contributing, len(r.Failures))
	}
	fmt.Fprintf(w, "%d of %d run(s)\n", len(runs), total)
}

// newLogger builds the process logger: JSON on w, or a console writer in
// development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w})
	} else {
		logger = zerolog.New(w)
	}
	return logger.Level(cfg.Level()).With().Timestamp().Logger()
}
