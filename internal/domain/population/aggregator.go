// Package population runs the per-patient extraction across every patient
// under a data root and merges the counts into collections.
package population

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/resourcestats/internal/config"
	"github.com/ehr/resourcestats/internal/domain/endpoint"
	"github.com/ehr/resourcestats/internal/domain/snapshot"
)

// Options configures an Aggregator.
type Options struct {
	Root      string
	ExportDir string
	// Layout is config.LayoutLatest (pick one snapshot per patient) or
	// config.LayoutWalk (count every file under the export dir).
	Layout   string
	Stratify bool
	Workers  int
}

// Collections holds per-patient counts keyed by endpoint, then resource
// type. Without stratification every count sits under the "" endpoint.
type Collections map[string]map[string][]int

// Failure records a patient that contributed nothing to the run.
type Failure struct {
	Patient string `json:"patient"`
	Reason  string `json:"reason"`
}

// Result is the merged outcome of a run.
type Result struct {
	Patients     int           `json:"patients"`
	Contributing int           `json:"contributing"`
	SkippedFiles int           `json:"skipped_files"`
	Collections  Collections   `json:"-"`
	Failures     []Failure     `json:"failures"`
	Duration     time.Duration `json:"-"`
}

// patientResult is written by exactly one worker.
type patientResult struct {
	patient  string
	endpoint string
	counts   snapshot.Counts
	skipped  int
	err      error
}

// Aggregator drives snapshot selection and extraction for a population.
type Aggregator struct {
	opts       Options
	selector   *snapshot.Selector
	extractor  *snapshot.Extractor
	classifier *endpoint.Classifier
	logger     zerolog.Logger
}

// New creates an Aggregator. A non-positive Workers value runs patients
// one at a time.
func New(opts Options, logger zerolog.Logger) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Layout == "" {
		opts.Layout = config.LayoutLatest
	}
	return &Aggregator{
		opts:       opts,
		selector:   snapshot.NewSelector(logger),
		extractor:  snapshot.NewExtractor(logger),
		classifier: endpoint.NewClassifier(),
		logger:     logger,
	}
}

// Patients lists the export directories under the root, keyed by patient.
// The patient key is the name of the directory holding the export dir.
func (a *Aggregator) Patients() (map[string]string, error) {
	info, err := os.Stat(a.opts.Root)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "DATA_PATH", Reason: "cannot be read", Err: err}
	}
	if !info.IsDir() {
		return nil, &config.ConfigurationError{Key: "DATA_PATH", Reason: fmt.Sprintf("%s is not a directory", a.opts.Root)}
	}

	entries, err := os.ReadDir(a.opts.Root)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "DATA_PATH", Reason: "cannot be listed", Err: err}
	}

	patients := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.opts.Root, entry.Name(), a.opts.ExportDir)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			patients[entry.Name()] = dir
		}
	}
	return patients, nil
}

// Run processes every patient and merges the results. Per-patient problems
// are recorded in Result.Failures; only an unusable root or a cancelled
// context returns an error.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	patients, err := a.Patients()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(patients))
	for k := range patients {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]patientResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.processPatient(key, patients[key])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate patients: %w", err)
	}

	res := merge(results)
	res.Duration = time.Since(start)

	a.logger.Info().
		Int("patients", res.Patients).
		Int("contributing", res.Contributing).
		Int("failures", len(res.Failures)).
		Int("skipped_files", res.SkippedFiles).
		Dur("duration", res.Duration).
		Msg("aggregation finished")
	return res, nil
}

func (a *Aggregator) processPatient(patient, exportDir string) patientResult {
	log := a.logger.With().Str("patient", patient).Logger()

	if a.opts.Layout == config.LayoutWalk {
		ext := a.extractor.Extract(exportDir, nil)
		pr := patientResult{patient: patient, counts: ext.Counts, skipped: len(ext.Skipped)}
		if a.opts.Stratify {
			pr.endpoint = a.treeEndpoint(exportDir)
		}
		log.Debug().Int("files", ext.Files).Msg("export tree processed")
		return pr
	}

	snap, err := a.selector.Select(exportDir)
	if err != nil {
		log.Warn().Err(err).Msg("patient excluded")
		return patientResult{patient: patient, err: err}
	}

	ext := a.extractor.Extract(snap.Path, snap.Manifest.FileTypes())
	pr := patientResult{patient: patient, counts: ext.Counts, skipped: len(ext.Skipped)}
	if a.opts.Stratify {
		pr.endpoint = endpoint.Unknown
		if ep, ok := a.classifier.SnapshotEndpoint(snap.Manifest); ok {
			pr.endpoint = ep
		}
	}
	log.Debug().Stringer("snapshot", snap).Int("files", ext.Files).Msg("snapshot processed")
	return pr
}

// treeEndpoint classifies an export tree without a selected snapshot: the
// first snapshot (by name) whose manifest yields an endpoint decides.
func (a *Aggregator) treeEndpoint(exportDir string) string {
	dirs := []string{exportDir}
	if entries, err := os.ReadDir(exportDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(exportDir, e.Name()))
			}
		}
	}
	for _, dir := range dirs {
		m, err := snapshot.ReadManifest(dir)
		if err != nil {
			continue
		}
		if ep, ok := a.classifier.SnapshotEndpoint(m); ok {
			return ep
		}
	}
	return endpoint.Unknown
}

// merge folds patient results, in patient order, into one Result. Each
// patient adds at most one value per (endpoint, resource type).
func merge(results []patientResult) *Result {
	res := &Result{
		Patients:    len(results),
		Collections: Collections{},
		Failures:    []Failure{},
	}
	for _, pr := range results {
		res.SkippedFiles += pr.skipped
		if pr.err != nil {
			res.Failures = append(res.Failures, Failure{Patient: pr.patient, Reason: pr.err.Error()})
			continue
		}
		if len(pr.counts) == 0 {
			continue
		}
		res.Contributing++

		byType, ok := res.Collections[pr.endpoint]
		if !ok {
			byType = make(map[string][]int)
			res.Collections[pr.endpoint] = byType
		}
		for t, n := range pr.counts {
			byType[t] = append(byType[t], n)
		}
	}
	return res
}
