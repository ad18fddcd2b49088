package imports

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openstats/importer/internal/validation"
)

// ErrNotFound is returned when no Import record exists for a lookup.
var ErrNotFound = errors.New("import not found")

// ErrAlreadyFinished is returned when cancellation is requested for an
// import that has already reached a terminal state.
var ErrAlreadyFinished = errors.New("import already finished")

// DBTX is the subset of pgx used by the store. Satisfied by *pgxpool.Pool
// and by pgx.Tx, so callers can run store operations inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists Import records and release-file links in Postgres.
//
// Status updates are guarded in SQL rather than read-modify-write in Go so
// that concurrent worker and API writes cannot resurrect a terminal record
// or skip past a requested cancellation.
type Store struct {
	db DBTX
}

// NewStore builds a Store over a pool or transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const importColumns = `id, file_id, meta_file_id, zip_file_id, subject_id,
	status, rows, stage_percentage_complete, errors, created, migrated`

func scanImport(row pgx.Row) (Import, error) {
	var imp Import
	err := row.Scan(
		&imp.ID,
		&imp.FileID,
		&imp.MetaFileID,
		&imp.ZipFileID,
		&imp.SubjectID,
		&imp.Status,
		&imp.Rows,
		&imp.StagePercentageComplete,
		&imp.Errors,
		&imp.Created,
		&imp.Migrated,
	)
	return imp, err
}

// Create inserts a new Import record. The file_id unique constraint rejects
// a second record for the same data file.
func (s *Store) Create(ctx context.Context, imp Import) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO imports (
			id, file_id, meta_file_id, zip_file_id, subject_id,
			status, rows, stage_percentage_complete, errors, created, migrated
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		imp.ID, imp.FileID, imp.MetaFileID, imp.ZipFileID, imp.SubjectID,
		imp.Status, imp.Rows, imp.StagePercentageComplete, imp.Errors,
		imp.Created, imp.Migrated,
	)
	if err != nil {
		return fmt.Errorf("insert import: %w", err)
	}
	return nil
}

// GetByFileID fetches the Import for a data file, or ErrNotFound.
func (s *Store) GetByFileID(ctx context.Context, fileID uuid.UUID) (Import, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+importColumns+` FROM imports WHERE file_id = $1`, fileID)

	imp, err := scanImport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Import{}, ErrNotFound
	}
	if err != nil {
		return Import{}, fmt.Errorf("select import by file: %w", err)
	}
	return imp, nil
}

// DeleteByFileID removes the Import for a data file. Deleting a file with no
// record is a no-op.
func (s *Store) DeleteByFileID(ctx context.Context, fileID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM imports WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("delete import: %w", err)
	}
	return nil
}

// MarkStatus transitions an Import to the given status, resetting the stage
// progress counter. The WHERE clause is the SQL mirror of canTransition:
// it refuses to leave a terminal state and only lets a CANCELLING record
// move to CANCELLED. A refused transition is not an error: the record
// simply keeps its current state.
func (s *Store) MarkStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE imports
		SET status = $2, stage_percentage_complete = 0
		WHERE id = $1
		  AND status NOT IN ('COMPLETE', 'FAILED', 'CANCELLED')
		  AND (status <> 'CANCELLING' OR $2 = 'CANCELLED')`,
		id, status,
	); err != nil {
		return fmt.Errorf("update import status: %w", err)
	}
	return nil
}

// UpdateStageProgress records 0-100 progress within the active stage. The
// WHERE clause mirrors canRecordProgress: a record that has finished or is
// cancelling keeps its counter untouched.
func (s *Store) UpdateStageProgress(ctx context.Context, id uuid.UUID, percent int) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE imports
		SET stage_percentage_complete = $2
		WHERE id = $1
		  AND status NOT IN ('COMPLETE', 'FAILED', 'CANCELLED', 'CANCELLING')`,
		id, percent,
	); err != nil {
		return fmt.Errorf("update stage progress: %w", err)
	}
	return nil
}

// UpdateRows sets the data file's row count once the worker has counted it.
// Like MarkStatus, UpdateStageProgress and AppendError it belongs to the
// worker side of the shared imports table: the HTTP layer here only reads
// these columns, so nothing in this process calls it outside tests.
func (s *Store) UpdateRows(ctx context.Context, id uuid.UUID, rows int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE imports SET rows = $2 WHERE id = $1`, id, rows); err != nil {
		return fmt.Errorf("update import rows: %w", err)
	}
	return nil
}

// AppendError appends one message to the record's error list in place.
// Worker-side, like UpdateRows.
func (s *Store) AppendError(ctx context.Context, id uuid.UUID, message string) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE imports
		SET errors = errors || to_jsonb($2::text)
		WHERE id = $1`,
		id, message,
	); err != nil {
		return fmt.Errorf("append import error: %w", err)
	}
	return nil
}

// HasIncompleteImports reports whether any data file in the release has an
// Import that has not reached COMPLETE.
func (s *Store) HasIncompleteImports(ctx context.Context, releaseID uuid.UUID) (bool, error) {
	var incomplete bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM imports i
			JOIN release_files rf ON rf.file_id = i.file_id
			WHERE rf.release_id = $1 AND i.status <> 'COMPLETE'
		)`,
		releaseID,
	).Scan(&incomplete)
	if err != nil {
		return false, fmt.Errorf("check incomplete imports: %w", err)
	}
	return incomplete, nil
}

// === Release-file links ===

// CreateReleaseFile registers an uploaded file against its release.
func (s *Store) CreateReleaseFile(ctx context.Context, rf ReleaseFile) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO release_files (release_id, file_id, file_type, filename, subject_name)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		rf.ReleaseID, rf.FileID, rf.Kind, rf.Filename, rf.SubjectName,
	); err != nil {
		return fmt.Errorf("insert release file: %w", err)
	}
	return nil
}

// GetReleaseFile fetches the link row for a file within a release, or
// ErrNotFound when the file is not registered there.
func (s *Store) GetReleaseFile(ctx context.Context, releaseID, fileID uuid.UUID) (ReleaseFile, error) {
	var rf ReleaseFile
	var subject *string
	err := s.db.QueryRow(ctx, `
		SELECT release_id, file_id, file_type, filename, subject_name
		FROM release_files
		WHERE release_id = $1 AND file_id = $2 AND replaced_by IS NULL`,
		releaseID, fileID,
	).Scan(&rf.ReleaseID, &rf.FileID, &rf.Kind, &rf.Filename, &subject)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReleaseFile{}, ErrNotFound
	}
	if err != nil {
		return ReleaseFile{}, fmt.Errorf("select release file: %w", err)
	}
	if subject != nil {
		rf.SubjectName = *subject
	}
	return rf, nil
}

// === validation.FileChecker ===

// FileExists reports whether a live file of the given kind and name exists
// in the release. Names compare case-insensitively.
func (s *Store) FileExists(ctx context.Context, releaseID uuid.UUID, kind validation.FileKind, filename string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM release_files
			WHERE release_id = $1
			  AND file_type = $2
			  AND LOWER(filename) = LOWER($3)
			  AND replaced_by IS NULL
		)`,
		releaseID, string(kind), filename,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check file exists: %w", err)
	}
	return exists, nil
}

// SubjectNameExists reports whether a live data file in the release already
// carries this subject name.
func (s *Store) SubjectNameExists(ctx context.Context, releaseID uuid.UUID, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM release_files
			WHERE release_id = $1
			  AND LOWER(subject_name) = LOWER($2)
			  AND replaced_by IS NULL
		)`,
		releaseID, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subject name exists: %w", err)
	}
	return exists, nil
}
