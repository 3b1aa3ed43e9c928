package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/resourcestats/internal/domain/population"
)

// ErrRunNotFound is returned by a RunStore when no run has the given id.
var ErrRunNotFound = errors.New("run not found")

// Run is one completed computation of the report.
type Run struct {
	ID           uuid.UUID            `json:"id"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	DataPath     string               `json:"data_path"`
	Layout       string               `json:"layout"`
	Stratified   bool                 `json:"stratified"`
	Patients     int                  `json:"patients"`
	Contributing int                  `json:"contributing"`
	SkippedFiles int                  `json:"skipped_files"`
	Failures     []population.Failure `json:"failures"`
	Report       json.RawMessage      `json:"report"`
}

// RunStore persists runs. Implementations live in the db (Postgres) and
// sqlite packages.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// ListRuns returns runs newest first along with the total number stored.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)
}
