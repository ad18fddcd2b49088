package imports

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// StatusStore is the read surface the reporter needs.
type StatusStore interface {
	GetByFileID(ctx context.Context, fileID uuid.UUID) (Import, error)
}

// View is the caller-facing projection of an Import's progress.
type View struct {
	Errors []string `json:"errors"`

	// PercentageComplete is the derived overall progress across all
	// processing stages: 100 when complete, 0 before processing starts.
	PercentageComplete int `json:"percentageComplete"`

	// StagePercentageComplete is the stored progress within the current
	// stage, echoed as-is.
	StagePercentageComplete int `json:"stagePercentageComplete"`

	Rows   *int64 `json:"rows"`
	Status Status `json:"status"`
}

// Reporter derives user-facing progress views from Import records.
type Reporter struct {
	store StatusStore
}

// NewReporter builds a Reporter over the given store.
func NewReporter(store StatusStore) *Reporter {
	return &Reporter{store: store}
}

// GetStatus returns the current status of the Import for a data file, or
// the NOT_FOUND sentinel when no record exists.
func (r *Reporter) GetStatus(ctx context.Context, fileID uuid.UUID) (Status, error) {
	imp, err := r.store.GetByFileID(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return imp.Status, nil
}

// GetImportView builds the progress view for a data file, or ErrNotFound
// when no record exists.
func (r *Reporter) GetImportView(ctx context.Context, fileID uuid.UUID) (View, error) {
	imp, err := r.store.GetByFileID(ctx, fileID)
	if err != nil {
		return View{}, err
	}

	errs := imp.Errors
	if errs == nil {
		errs = []string{}
	}

	return View{
		Errors:                  errs,
		PercentageComplete:      overallPercentage(imp),
		StagePercentageComplete: imp.StagePercentageComplete,
		Rows:                    imp.Rows,
		Status:                  imp.Status,
	}, nil
}

// overallPercentage aggregates per-stage progress into a single 0-100 value.
// Each stage contributes an equal share, so the result grows monotonically
// with both stage index and in-stage progress.
func overallPercentage(imp Import) int {
	if imp.Status == StatusComplete {
		return 100
	}

	idx := stageIndex(imp.Status)
	if idx == 0 {
		// QUEUED, PROCESSING_ARCHIVE_FILE, or a terminal non-complete
		// state: no stage progress to report.
		return 0
	}

	pct := imp.StagePercentageComplete
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}

	return ((idx-1)*100 + pct) / len(processingStages)
}
