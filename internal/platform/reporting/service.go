package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/resourcestats/internal/domain/population"
	"github.com/ehr/resourcestats/internal/domain/summary"
	"github.com/ehr/resourcestats/internal/platform/websocket"
)

// Aggregator runs the population pass. *population.Aggregator satisfies it.
type Aggregator interface {
	Run(ctx context.Context) (*population.Result, error)
}

// Publisher is notified after every run. *websocket.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, eventType, topic, runID string, payload any) error
}

// Observer records the outcome of every run. *telemetry.Provider
// satisfies it.
type Observer interface {
	ObserveRun(run *Run, duration time.Duration, err error)
}

// ServiceConfig describes how runs are labelled and summarized.
type ServiceConfig struct {
	DataPath string
	Layout   string
	Stratify bool
	Summary  summary.Options
}

// Service computes reports, keeps the latest one in memory and records each
// run in an optional store.
type Service struct {
	agg       Aggregator
	cfg       ServiceConfig
	store     RunStore
	publisher Publisher
	observer  Observer
	logger    zerolog.Logger

	exec   sync.Mutex
	mu     sync.RWMutex
	latest *Run
	report *summary.Report
}

// NewService creates a Service. store and publisher may be nil.
func NewService(agg Aggregator, cfg ServiceConfig, store RunStore, publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{
		agg:       agg,
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// SetObserver attaches o to every subsequent run.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// Execute runs the aggregation and builds the report. Concurrent calls are
// serialized. A store failure is logged and does not discard the report.
func (s *Service) Execute(ctx context.Context) (*Run, *summary.Report, error) {
	s.exec.Lock()
	defer s.exec.Unlock()

	started := time.Now().UTC()
	id := uuid.New()

	res, err := s.agg.Run(ctx)
	if err != nil {
		s.observe(nil, started, err)
		s.notify(ctx, websocket.EventRunFailed, websocket.TopicRuns, id, map[string]string{"error": err.Error()})
		return nil, nil, err
	}

	report, err := summary.Build(res.Collections, s.cfg.Stratify, s.cfg.Summary)
	if err != nil {
		err = fmt.Errorf("build report: %w", err)
		s.observe(nil, started, err)
		return nil, nil, err
	}
	doc, err := json.Marshal(report)
	if err != nil {
		err = fmt.Errorf("encode report: %w", err)
		s.observe(nil, started, err)
		return nil, nil, err
	}

	run := &Run{
		ID:           id,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
		DataPath:     s.cfg.DataPath,
		Layout:       s.cfg.Layout,
		Stratified:   s.cfg.Stratify,
		Patients:     res.Patients,
		Contributing: res.Contributing,
		SkippedFiles: res.SkippedFiles,
		Failures:     res.Failures,
		Report:       doc,
	}

	if s.store != nil {
		if err := s.store.SaveRun(ctx, run); err != nil {
			s.logger.Error().Err(err).Str("run_id", id.String()).Msg("failed to persist run")
		}
	}

	s.observe(run, started, nil)

	s.mu.Lock()
	s.latest = run
	s.report = report
	s.mu.Unlock()

	s.logger.Info().
		Str("run_id", id.String()).
		Int("resource_types", len(report.ResourceTypes())).
		Msg("report updated")
	s.notify(ctx, websocket.EventReportUpdated, websocket.TopicReport, id, report)
	s.notify(ctx, websocket.EventReportUpdated, websocket.TopicRuns, id, runSummary(run))
	return run, report, nil
}

// Latest returns the most recent run and its report, or nil before the
// first successful Execute.
func (s *Service) Latest() (*Run, *summary.Report) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.report
}

// Store returns the configured run store, which may be nil.
func (s *Service) Store() RunStore {
	return s.store
}

func (s *Service) observe(run *Run, started time.Time, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveRun(run, time.Since(started), err)
}

func (s *Service) notify(ctx context.Context, eventType, topic string, id uuid.UUID, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, eventType, topic, id.String(), payload); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("failed to publish event")
	}
}

// runSummary is a Run without its report document.
func runSummary(r *Run) map[string]any {
	return map[string]any{
		"id":            r.ID,
		"finished_at":   r.FinishedAt,
		"patients":      r.Patients,
		"contributing":  r.Contributing,
		"skipped_files": r.SkippedFiles,
		"failures":      len(r.Failures),
	}
}
