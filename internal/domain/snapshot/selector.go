package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is one export attempt for a patient.
type Snapshot struct {
	ID        string
	Path      string
	Manifest  *Manifest
	Timestamp time.Time
}

// Selector picks the authoritative snapshot of a patient.
type Selector struct {
	logger zerolog.Logger
}

func NewSelector(logger zerolog.Logger) *Selector {
	return &Selector{logger: logger}
}

// Select returns the snapshot under exportDir whose manifest carries the
// latest timestamp. Snapshots without a readable, timestamped manifest are
// ignored; equal timestamps resolve to the greatest snapshot id. A
// *SelectionError is returned when nothing qualifies.
func (s *Selector) Select(exportDir string) (*Snapshot, error) {
	entries, err := os.ReadDir(exportDir)
	if err != nil {
		return nil, &SelectionError{Dir: exportDir, Err: err}
	}

	var best *Snapshot
	candidates := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidates++

		path := filepath.Join(exportDir, entry.Name())
		m, err := ReadManifest(path)
		if err != nil {
			s.logger.Debug().Err(err).Str("snapshot", path).Msg("snapshot excluded")
			continue
		}
		ts, ok := m.Freshness()
		if !ok {
			s.logger.Debug().Str("snapshot", path).Msg("snapshot excluded: manifest has no timestamp")
			continue
		}

		// ReadDir sorts by name, so >= keeps the greatest id on ties.
		if best == nil || !ts.Before(best.Timestamp) {
			best = &Snapshot{
				ID:        entry.Name(),
				Path:      path,
				Manifest:  m,
				Timestamp: ts,
			}
		}
	}

	if best == nil {
		return nil, &SelectionError{Dir: exportDir, Candidates: candidates}
	}

	s.logger.Debug().
		Str("snapshot", best.Path).
		Time("timestamp", best.Timestamp).
		Int("candidates", candidates).
		Msg("snapshot selected")
	return best, nil
}

// String implements fmt.Stringer for log output.
func (s *Snapshot) String() string {
	return fmt.Sprintf("%s@%s", s.ID, s.Timestamp.Format(time.RFC3339))
}
