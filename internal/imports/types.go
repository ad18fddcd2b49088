// Package imports owns the Import record: the persistent processing state of
// one submitted data set. It provides the pgx-backed store, the orchestrator
// that ties validation, record creation and queue submission together, and
// the reporter that derives user-facing progress views.
package imports

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Import.
//
// Normal flow is QUEUED through the numbered stages to COMPLETE. The worker
// drives every transition except CANCELLING, which is requested here by
// publishing a cancellation message; the worker then moves the record to
// CANCELLED. FAILED is terminal and reachable from any processing stage.
type Status string

const (
	StatusQueued                Status = "QUEUED"
	StatusProcessingArchiveFile Status = "PROCESSING_ARCHIVE_FILE"
	StatusStage1                Status = "STAGE_1"
	StatusStage2                Status = "STAGE_2"
	StatusStage3                Status = "STAGE_3"
	StatusStage4                Status = "STAGE_4"
	StatusComplete              Status = "COMPLETE"
	StatusFailed                Status = "FAILED"
	StatusCancelling            Status = "CANCELLING"
	StatusCancelled             Status = "CANCELLED"

	// StatusNotFound is a query sentinel for files with no Import record.
	// It is never stored.
	StatusNotFound Status = "NOT_FOUND"
)

// processingStages are the worker stages in order. Stage index is 1-based
// when deriving overall progress.
var processingStages = []Status{
	StatusStage1,
	StatusStage2,
	StatusStage3,
	StatusStage4,
}

// IsFinished reports whether the status is terminal.
func (s Status) IsFinished() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusNotFound:
		return true
	}
	return false
}

// IsAborting reports whether a cancellation has been requested but the
// worker has not yet confirmed it.
func (s Status) IsAborting() bool {
	return s == StatusCancelling
}

// canTransition reports whether a stored record in state from may move to
// state to. Terminal states are immutable, and a CANCELLING record moves
// only to CANCELLED. Store.MarkStatus enforces the same rule inside its
// UPDATE so concurrent writers race safely; keep the two in sync.
func canTransition(from, to Status) bool {
	if from.IsFinished() {
		return false
	}
	if from.IsAborting() {
		return to == StatusCancelled
	}
	return true
}

// canRecordProgress reports whether stage progress writes still apply in
// the given state. Progress stops the moment cancellation is requested.
// Store.UpdateStageProgress enforces the same rule inside its UPDATE.
func canRecordProgress(s Status) bool {
	return !s.IsFinished() && !s.IsAborting()
}

// stageIndex returns the 1-based index of a processing stage, or 0 when the
// status is not a numbered stage.
func stageIndex(s Status) int {
	for i, stage := range processingStages {
		if s == stage {
			return i + 1
		}
	}
	return 0
}

// Import is the persistent record of one submitted data set's processing.
//
// FileID, MetaFileID, SubjectID and Created are immutable after creation.
// Status, StagePercentageComplete, Rows and Errors are written only by the
// worker once the record is queued.
type Import struct {
	ID         uuid.UUID
	FileID     uuid.UUID
	MetaFileID uuid.UUID

	// ZipFileID references the original archive for archive-originated
	// imports; nil for loose-pair submissions.
	ZipFileID *uuid.UUID

	SubjectID uuid.UUID
	Status    Status

	// Rows is the data file's line count, computed at submission time.
	// nil for archive imports, where counting is deferred to the worker.
	Rows *int64

	// StagePercentageComplete is 0-100 progress within the active stage;
	// meaningful only while Status is a numbered processing stage.
	StagePercentageComplete int

	// Errors is the ordered list of messages appended by the worker.
	// The orchestration layer never writes to it.
	Errors []string

	Created time.Time

	// Migrated marks records created by the historical migration path.
	// Always false for new submissions.
	Migrated bool
}

// FileRef identifies a persisted blob by id and original filename.
type FileRef struct {
	ID   uuid.UUID
	Name string
}

// ReleaseFile is one row of the release-to-file link table, used to verify
// that a file belongs to a release before acting on its Import.
type ReleaseFile struct {
	ReleaseID   uuid.UUID
	FileID      uuid.UUID
	Kind        string
	Filename    string
	SubjectName string
}
