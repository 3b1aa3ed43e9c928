package snapshot

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/resourcestats/internal/platform/fhir"
)

// Counts maps a resource type key to the number of distinct records found.
type Counts map[string]int

// Extraction is the result of reading one snapshot (or one export tree).
type Extraction struct {
	Counts  Counts
	Files   int
	Skipped []*SkippableFileError
}

// Extractor reads resource files and counts their records.
type Extractor struct {
	logger zerolog.Logger
}

// NewExtractor creates an Extractor that logs skipped files at debug level.
func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract counts the records of every resource file under dir, recursively.
// types, when non-nil, comes from the snapshot manifest and pins each file
// to the resource type its request targeted.
//
// Files that cannot be read or parsed are skipped; a missing dir yields an
// empty result.
func (x *Extractor) Extract(dir string, types FileTypes) *Extraction {
	ext := &Extraction{Counts: Counts{}}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		x.logger.Debug().Str("dir", dir).Msg("no data directory")
		return ext
	}

	t := newTally()
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			ext.skip(x.logger, path, "unreadable", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsSkipped(d.Name()) {
			x.logger.Debug().Str("file", path).Msg("skipping metadata file")
			return nil
		}
		x.extractFile(path, d.Name(), types, t, ext)
		return nil
	})

	ext.Counts = t.counts()
	return ext
}

func (x *Extractor) extractFile(path, name string, types FileTypes, t *tally, ext *Extraction) {
	data, err := os.ReadFile(path)
	if err != nil {
		ext.skip(x.logger, path, "unreadable", err)
		return
	}

	b, err := fhir.DecodeBundle(data)
	if err != nil {
		ext.skip(x.logger, path, "could not be parsed as JSON", err)
		return
	}
	x.logger.Debug().Str("file", path).Msg("parsed as JSON")

	key, want := types.resolve(name)

	switch DetectSchema(b) {
	case SchemaTotal:
		if *b.Total < 0 {
			ext.skip(x.logger, path, "negative total", nil)
			return
		}
		t.addTotal(key, *b.Total)
	default:
		ids := t.idSet(key)
		for _, entry := range b.Entry {
			h, ok := entry.Header()
			if !ok || h.ID == "" {
				// OperationOutcome entries usually carry no id.
				continue
			}
			if want != "" && h.ResourceType != want {
				continue
			}
			ids[h.ID] = struct{}{}
		}
	}
	ext.Files++
}

func (e *Extraction) skip(logger zerolog.Logger, path, reason string, err error) {
	skipped := &SkippableFileError{Path: path, Reason: reason, Err: err}
	e.Skipped = append(e.Skipped, skipped)
	logger.Debug().Err(err).Str("file", path).Msg(reason)
}

// tally accumulates per-type id sets and precomputed totals. Files sharing a
// key union their ids; totals are added on top.
type tally struct {
	ids    map[string]map[string]struct{}
	totals map[string]int
}

func newTally() *tally {
	return &tally{
		ids:    make(map[string]map[string]struct{}),
		totals: make(map[string]int),
	}
}

func (t *tally) idSet(key string) map[string]struct{} {
	set, ok := t.ids[key]
	if !ok {
		set = make(map[string]struct{})
		t.ids[key] = set
	}
	return set
}

func (t *tally) addTotal(key string, n int) {
	t.totals[key] += n
}

func (t *tally) counts() Counts {
	out := make(Counts, len(t.ids)+len(t.totals))
	for key, set := range t.ids {
		out[key] = len(set)
	}
	for key, n := range t.totals {
		out[key] += n
	}
	return out
}
