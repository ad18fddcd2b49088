package imports

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openstats/importer/internal/logging"
	"github.com/openstats/importer/internal/queue"
	"github.com/openstats/importer/internal/storage"
	"github.com/openstats/importer/internal/validation"
)

// RecordStore is the persistence surface the orchestrator needs. Implemented
// by Store; faked in tests.
type RecordStore interface {
	Create(ctx context.Context, imp Import) error
	GetByFileID(ctx context.Context, fileID uuid.UUID) (Import, error)
	DeleteByFileID(ctx context.Context, fileID uuid.UUID) error
	CreateReleaseFile(ctx context.Context, rf ReleaseFile) error
	GetReleaseFile(ctx context.Context, releaseID, fileID uuid.UUID) (ReleaseFile, error)
	HasIncompleteImports(ctx context.Context, releaseID uuid.UUID) (bool, error)
}

// Orchestrator ties validation, blob persistence, record creation and queue
// submission together for one upload request at a time.
//
// Validation failures are all-or-nothing: no blob, record or message is
// produced. A publish failure after the record exists is surfaced as an
// error and logged at alert level; retrying it blindly could hand the worker
// the same import twice.
type Orchestrator struct {
	records   RecordStore
	validator *validation.Validator
	publisher queue.Publisher
	blobs     storage.Store

	pendingQueue    string
	cancellingQueue string
}

// NewOrchestrator wires an Orchestrator from its collaborators.
func NewOrchestrator(records RecordStore, validator *validation.Validator, publisher queue.Publisher, blobs storage.Store, pendingQueue, cancellingQueue string) *Orchestrator {
	return &Orchestrator{
		records:         records,
		validator:       validator,
		publisher:       publisher,
		blobs:           blobs,
		pendingQueue:    pendingQueue,
		cancellingQueue: cancellingQueue,
	}
}

// Subject identifies the statistical subject a data set is imported under.
// The title is validated for reserved characters and uniqueness within the
// release before anything is persisted.
type Subject struct {
	ID    uuid.UUID
	Title string
}

// Import validates and submits a loose data/metadata pair. On success the
// pair is persisted, an Import record is created with Status QUEUED and the
// data file's line count, and a processing message is published.
func (o *Orchestrator) Import(ctx context.Context, releaseID uuid.UUID, subject Subject, data, meta validation.FileSource) (Import, error) {
	if err := o.validator.ValidatePair(ctx, releaseID, data, meta); err != nil {
		return Import{}, err
	}
	if err := o.validator.ValidateSubjectName(ctx, releaseID, subject.Title); err != nil {
		return Import{}, err
	}

	rows, err := countLines(data)
	if err != nil {
		return Import{}, fmt.Errorf("count rows of %q: %w", data.Name, err)
	}

	dataRef, err := o.saveBlob(ctx, releaseID, validation.KindData, data, subject.Title)
	if err != nil {
		return Import{}, err
	}
	metaRef, err := o.saveBlob(ctx, releaseID, validation.KindMetadata, meta, "")
	if err != nil {
		return Import{}, err
	}

	imp := Import{
		ID:         uuid.New(),
		FileID:     dataRef.ID,
		MetaFileID: metaRef.ID,
		SubjectID:  subject.ID,
		Status:     StatusQueued,
		Rows:       &rows,
		Errors:     []string{},
		Created:    time.Now().UTC(),
	}

	if err := o.createAndPublish(ctx, releaseID, imp); err != nil {
		return Import{}, err
	}
	return imp, nil
}

// ImportZip validates and submits a zipped data/metadata pair. Row counting
// is deferred to the worker, which unpacks the archive anyway, so Rows stays
// nil; the original archive's file id is kept on the record for tracing.
func (o *Orchestrator) ImportZip(ctx context.Context, releaseID uuid.UUID, subject Subject, zipFile validation.FileSource) (Import, error) {
	archive, err := o.validator.ValidateArchive(ctx, releaseID, zipFile)
	if err != nil {
		return Import{}, err
	}
	if err := o.validator.ValidateSubjectName(ctx, releaseID, subject.Title); err != nil {
		return Import{}, err
	}

	zipRef, err := o.saveBlob(ctx, releaseID, validation.KindDataZip, zipFile, "")
	if err != nil {
		return Import{}, err
	}

	dataBytes, err := archive.ReadDataFile()
	if err != nil {
		return Import{}, fmt.Errorf("extract data file %q: %w", archive.DataFileName(), err)
	}
	metaBytes, err := archive.ReadMetaFile()
	if err != nil {
		return Import{}, fmt.Errorf("extract metadata file %q: %w", archive.MetaFileName(), err)
	}

	dataRef, err := o.saveBlob(ctx, releaseID, validation.KindData,
		validation.BytesSource(archive.DataFileName(), dataBytes), subject.Title)
	if err != nil {
		return Import{}, err
	}
	metaRef, err := o.saveBlob(ctx, releaseID, validation.KindMetadata,
		validation.BytesSource(archive.MetaFileName(), metaBytes), "")
	if err != nil {
		return Import{}, err
	}

	imp := Import{
		ID:         uuid.New(),
		FileID:     dataRef.ID,
		MetaFileID: metaRef.ID,
		ZipFileID:  &zipRef.ID,
		SubjectID:  subject.ID,
		Status:     StatusQueued,
		Errors:     []string{},
		Created:    time.Now().UTC(),
	}

	if err := o.createAndPublish(ctx, releaseID, imp); err != nil {
		return Import{}, err
	}
	return imp, nil
}

// CancelImport requests cancellation of the Import for a data file. The
// status is not flipped here: the worker observes the cancellation message
// and moves the record to CANCELLED itself. A file with no Import record,
// or one outside the release, yields ErrNotFound and publishes nothing.
func (o *Orchestrator) CancelImport(ctx context.Context, releaseID, fileID uuid.UUID) error {
	rf, err := o.records.GetReleaseFile(ctx, releaseID, fileID)
	if err != nil {
		return err
	}
	if rf.Kind != string(validation.KindData) {
		return fmt.Errorf("file %s is a %s file, not a data file: %w", fileID, rf.Kind, ErrNotFound)
	}

	imp, err := o.records.GetByFileID(ctx, fileID)
	if err != nil {
		return err
	}
	if imp.Status.IsFinished() {
		return fmt.Errorf("import %s finished with status %s: %w", imp.ID, imp.Status, ErrAlreadyFinished)
	}
	if imp.Status.IsAborting() {
		return nil
	}

	if err := o.publisher.Publish(ctx, o.cancellingQueue, queue.Message{ImportID: imp.ID}); err != nil {
		return fmt.Errorf("publish cancellation for import %s: %w", imp.ID, err)
	}

	logging.FromContext(ctx).Info("import cancellation requested",
		slog.String("import_id", imp.ID.String()),
		slog.String("file_id", fileID.String()))
	return nil
}

// DeleteImport removes the Import record for a data file. Idempotent: a
// file with no record is a no-op.
func (o *Orchestrator) DeleteImport(ctx context.Context, fileID uuid.UUID) error {
	return o.records.DeleteByFileID(ctx, fileID)
}

// HasIncompleteImports reports whether any file in the release has an
// import still short of COMPLETE.
func (o *Orchestrator) HasIncompleteImports(ctx context.Context, releaseID uuid.UUID) (bool, error) {
	return o.records.HasIncompleteImports(ctx, releaseID)
}

// PendingCount returns the approximate depth of the pending-imports queue.
func (o *Orchestrator) PendingCount(ctx context.Context) (int64, error) {
	return o.publisher.ApproxPendingCount(ctx, o.pendingQueue)
}

// saveBlob persists a validated file and registers it against the release.
// subjectName is recorded on data-file links only; other kinds pass "".
func (o *Orchestrator) saveBlob(ctx context.Context, releaseID uuid.UUID, kind validation.FileKind, f validation.FileSource, subjectName string) (FileRef, error) {
	r, err := f.Open()
	if err != nil {
		return FileRef{}, fmt.Errorf("open %q: %w", f.Name, err)
	}
	defer r.Close()

	path := storage.ReleasePath(releaseID, string(kind), f.Name)
	if err := o.blobs.Save(ctx, path, r); err != nil {
		return FileRef{}, fmt.Errorf("save %q: %w", f.Name, err)
	}

	ref := FileRef{ID: uuid.New(), Name: f.Name}
	if err := o.records.CreateReleaseFile(ctx, ReleaseFile{
		ReleaseID:   releaseID,
		FileID:      ref.ID,
		Kind:        string(kind),
		Filename:    f.Name,
		SubjectName: subjectName,
	}); err != nil {
		return FileRef{}, fmt.Errorf("register %q: %w", f.Name, err)
	}
	return ref, nil
}

// createAndPublish inserts the record then publishes the processing message.
// A publish failure leaves an orphaned QUEUED record no worker will ever
// consume, which is alertable rather than retryable: a blind retry could
// deliver the import twice once the first message eventually lands.
func (o *Orchestrator) createAndPublish(ctx context.Context, releaseID uuid.UUID, imp Import) error {
	if err := o.records.Create(ctx, imp); err != nil {
		return err
	}

	if err := o.publisher.Publish(ctx, o.pendingQueue, queue.Message{ImportID: imp.ID}); err != nil {
		logging.FromContext(ctx).Error("ALERT: import record created but queue publish failed; import will never be processed",
			slog.String("import_id", imp.ID.String()),
			slog.String("file_id", imp.FileID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("publish import %s: %w", imp.ID, err)
	}

	logging.FromContext(ctx).Info("import queued",
		slog.String("import_id", imp.ID.String()),
		slog.String("release_id", releaseID.String()),
		slog.String("file_id", imp.FileID.String()))
	return nil
}

// countLines counts newline-terminated lines in the data file, reading it
// as a stream so large uploads are never buffered whole.
func countLines(f validation.FileSource) (int64, error) {
	r, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var count int64
	br := bufio.NewReaderSize(r, 64*1024)
	lastByte := byte('\n')
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			lastByte = chunk[len(chunk)-1]
			if lastByte == '\n' {
				count++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil && err != bufio.ErrBufferFull {
			return 0, err
		}
	}
	// A final unterminated line still counts
	if lastByte != '\n' {
		count++
	}
	return count, nil
}
