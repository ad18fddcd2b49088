package imports

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/openstats/importer/internal/queue"
	"github.com/openstats/importer/internal/validation"
)

// fakeStore is an in-memory RecordStore that also answers the validator's
// uniqueness checks.
type fakeStore struct {
	imports      map[uuid.UUID]Import // keyed by file id
	releaseFiles []ReleaseFile

	createErr error
	deleted   []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{imports: map[uuid.UUID]Import{}}
}

func (s *fakeStore) Create(_ context.Context, imp Import) error {
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.imports[imp.FileID]; ok {
		return errors.New("duplicate import for file")
	}
	s.imports[imp.FileID] = imp
	return nil
}

func (s *fakeStore) GetByFileID(_ context.Context, fileID uuid.UUID) (Import, error) {
	imp, ok := s.imports[fileID]
	if !ok {
		return Import{}, ErrNotFound
	}
	return imp, nil
}

func (s *fakeStore) DeleteByFileID(_ context.Context, fileID uuid.UUID) error {
	s.deleted = append(s.deleted, fileID)
	delete(s.imports, fileID)
	return nil
}

func (s *fakeStore) CreateReleaseFile(_ context.Context, rf ReleaseFile) error {
	s.releaseFiles = append(s.releaseFiles, rf)
	return nil
}

func (s *fakeStore) GetReleaseFile(_ context.Context, releaseID, fileID uuid.UUID) (ReleaseFile, error) {
	for _, rf := range s.releaseFiles {
		if rf.ReleaseID == releaseID && rf.FileID == fileID {
			return rf, nil
		}
	}
	return ReleaseFile{}, ErrNotFound
}

func (s *fakeStore) HasIncompleteImports(_ context.Context, releaseID uuid.UUID) (bool, error) {
	for _, rf := range s.releaseFiles {
		imp, ok := s.imports[rf.FileID]
		if ok && rf.ReleaseID == releaseID && imp.Status != StatusComplete {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) FileExists(_ context.Context, releaseID uuid.UUID, kind validation.FileKind, filename string) (bool, error) {
	for _, rf := range s.releaseFiles {
		if rf.ReleaseID == releaseID && rf.Kind == string(kind) &&
			strings.EqualFold(rf.Filename, filename) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SubjectNameExists(_ context.Context, releaseID uuid.UUID, name string) (bool, error) {
	for _, rf := range s.releaseFiles {
		if rf.ReleaseID == releaseID && rf.SubjectName != "" &&
			strings.EqualFold(rf.SubjectName, name) {
			return true, nil
		}
	}
	return false, nil
}

// memBlobs is an in-memory storage.Store.
type memBlobs struct {
	files map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{files: map[string][]byte{}}
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.files[path]
	return ok, nil
}

func (m *memBlobs) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("no blob at " + path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) ReadAll(_ context.Context, path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("no blob at " + path)
	}
	return data, nil
}

func (m *memBlobs) Save(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[path] = data
	return nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	delete(m.files, path)
	return nil
}

type fixture struct {
	store     *fakeStore
	publisher *queue.MemPublisher
	blobs     *memBlobs
	orch      *Orchestrator
}

func newFixture() *fixture {
	store := newFakeStore()
	publisher := queue.NewMemPublisher()
	blobs := newMemBlobs()
	validator := validation.NewValidator(store, 1<<30, 1<<20)
	return &fixture{
		store:     store,
		publisher: publisher,
		blobs:     blobs,
		orch:      NewOrchestrator(store, validator, publisher, blobs, "pending", "cancelling"),
	}
}

func buildZip(t *testing.T, entries map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range order {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %q: %v", name, err)
		}
		if _, err := f.Write(entries[name]); err != nil {
			t.Fatalf("write zip entry %q: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// === Import ===

func TestImport_Success(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	release := uuid.New()
	subject := Subject{ID: uuid.New(), Title: "Pupil absence"}

	data := validation.BytesSource("pupils.csv", []byte("a,b\n1,2\n3,4\n"))
	meta := validation.BytesSource("pupils.meta.csv", []byte("col,label\na,Age\n"))

	imp, err := fx.orch.Import(ctx, release, subject, data, meta)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if imp.Status != StatusQueued {
		t.Errorf("status = %s, want %s", imp.Status, StatusQueued)
	}
	if imp.Rows == nil || *imp.Rows != 3 {
		t.Errorf("rows = %v, want 3", imp.Rows)
	}
	if imp.ZipFileID != nil {
		t.Errorf("zip file id = %v, want nil", imp.ZipFileID)
	}
	if len(imp.Errors) != 0 {
		t.Errorf("errors = %v, want empty", imp.Errors)
	}

	stored, err := fx.store.GetByFileID(ctx, imp.FileID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.ID != imp.ID {
		t.Errorf("stored id = %s, want %s", stored.ID, imp.ID)
	}

	msgs := fx.publisher.Messages("pending")
	if len(msgs) != 1 || msgs[0].ImportID != imp.ID {
		t.Errorf("pending messages = %v, want one for %s", msgs, imp.ID)
	}

	if len(fx.blobs.files) != 2 {
		t.Errorf("blobs saved = %d, want 2", len(fx.blobs.files))
	}
	if len(fx.store.releaseFiles) != 2 {
		t.Errorf("release files = %d, want 2", len(fx.store.releaseFiles))
	}
}

func TestImport_ValidationFailureIsAllOrNothing(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	data := validation.BytesSource("pupils.csv", []byte("a,b\n"))
	meta := validation.BytesSource("pupils-schema.csv", []byte("a,b\n")) // missing .meta.

	_, err := fx.orch.Import(ctx, uuid.New(), Subject{ID: uuid.New(), Title: "Pupil absence"}, data, meta)
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Code != validation.MetaFileIsIncorrectlyNamed {
		t.Errorf("code = %s, want %s", verr.Code, validation.MetaFileIsIncorrectlyNamed)
	}

	if len(fx.store.imports) != 0 {
		t.Error("validation failure created an import record")
	}
	if len(fx.publisher.Messages("pending")) != 0 {
		t.Error("validation failure published a message")
	}
	if len(fx.blobs.files) != 0 {
		t.Error("validation failure saved a blob")
	}
}

func TestImport_DuplicateSubmissionFailsOverwriteRule(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	release := uuid.New()
	subject := Subject{ID: uuid.New(), Title: "Pupil absence"}

	data := validation.BytesSource("pupils.csv", []byte("a,b\n1,2\n"))
	meta := validation.BytesSource("pupils.meta.csv", []byte("c,d\n"))

	if _, err := fx.orch.Import(ctx, release, subject, data, meta); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	_, err := fx.orch.Import(ctx, release, subject, data, meta)
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Code != validation.CannotOverwriteDataFile {
		t.Errorf("code = %s, want %s", verr.Code, validation.CannotOverwriteDataFile)
	}

	if len(fx.store.imports) != 1 {
		t.Errorf("import records = %d, want 1", len(fx.store.imports))
	}
	if got := len(fx.publisher.Messages("pending")); got != 1 {
		t.Errorf("pending messages = %d, want 1", got)
	}
}

func TestImport_DuplicateSubjectTitleRejected(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	release := uuid.New()

	first := Subject{ID: uuid.New(), Title: "Pupil absence"}
	if _, err := fx.orch.Import(ctx, release, first,
		validation.BytesSource("pupils.csv", []byte("a,b\n1,2\n")),
		validation.BytesSource("pupils.meta.csv", []byte("c,d\n"))); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	second := Subject{ID: uuid.New(), Title: "PUPIL ABSENCE"}
	_, err := fx.orch.Import(ctx, release, second,
		validation.BytesSource("teachers.csv", []byte("a,b\n1,2\n")),
		validation.BytesSource("teachers.meta.csv", []byte("c,d\n")))

	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Code != validation.SubjectTitleMustBeUnique {
		t.Errorf("code = %s, want %s", verr.Code, validation.SubjectTitleMustBeUnique)
	}
	if len(fx.store.imports) != 1 {
		t.Errorf("import records = %d, want 1", len(fx.store.imports))
	}
}

func TestImport_PublishFailureSurfaces(t *testing.T) {
	fx := newFixture()
	fx.publisher.FailPublish = errors.New("broker down")
	ctx := context.Background()

	data := validation.BytesSource("pupils.csv", []byte("a,b\n1,2\n"))
	meta := validation.BytesSource("pupils.meta.csv", []byte("c,d\n"))

	_, err := fx.orch.Import(ctx, uuid.New(), Subject{ID: uuid.New(), Title: "Pupil absence"}, data, meta)
	if err == nil {
		t.Fatal("expected publish failure to surface")
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		t.Fatalf("publish failure classified as validation error: %v", err)
	}

	// The orphaned QUEUED record remains for the alert path to find.
	if len(fx.store.imports) != 1 {
		t.Errorf("import records = %d, want 1", len(fx.store.imports))
	}
}

// === ImportZip ===

func TestImportZip_Success(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	release := uuid.New()
	subject := Subject{ID: uuid.New(), Title: "Exclusions"}

	zipBytes := buildZip(t, map[string][]byte{
		"exclusions.csv":      []byte("a,b\n1,2\n"),
		"exclusions.meta.csv": []byte("col,label\na,Age\n"),
	}, "exclusions.csv", "exclusions.meta.csv")

	imp, err := fx.orch.ImportZip(ctx, release, subject, validation.BytesSource("exclusions.zip", zipBytes))
	if err != nil {
		t.Fatalf("ImportZip: %v", err)
	}

	if imp.Status != StatusQueued {
		t.Errorf("status = %s, want %s", imp.Status, StatusQueued)
	}
	if imp.Rows != nil {
		t.Errorf("rows = %d, want nil for archive imports", *imp.Rows)
	}
	if imp.ZipFileID == nil {
		t.Error("zip file id not recorded")
	}

	msgs := fx.publisher.Messages("pending")
	if len(msgs) != 1 || msgs[0].ImportID != imp.ID {
		t.Errorf("pending messages = %v, want one for %s", msgs, imp.ID)
	}

	// The archive plus both extracted entries are persisted.
	if len(fx.blobs.files) != 3 {
		t.Errorf("blobs saved = %d, want 3", len(fx.blobs.files))
	}
	kinds := map[string]int{}
	for _, rf := range fx.store.releaseFiles {
		kinds[rf.Kind]++
	}
	for _, kind := range []string{"data-zip", "data", "metadata"} {
		if kinds[kind] != 1 {
			t.Errorf("release files of kind %q = %d, want 1", kind, kinds[kind])
		}
	}
}

func TestImportZip_StructureFailurePublishesNothing(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	zipBytes := buildZip(t, map[string][]byte{
		"a.csv": []byte("a,b\n"),
		"b.txt": []byte("notes"),
	}, "a.csv", "b.txt")

	_, err := fx.orch.ImportZip(ctx, uuid.New(), Subject{ID: uuid.New(), Title: "Exclusions"}, validation.BytesSource("bundle.zip", zipBytes))
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Code != validation.DataZipContentMustContainCsvFiles {
		t.Errorf("code = %s, want %s", verr.Code, validation.DataZipContentMustContainCsvFiles)
	}

	if len(fx.store.imports) != 0 || len(fx.publisher.Messages("pending")) != 0 {
		t.Error("failed archive produced a record or message")
	}
}

func TestImportZip_TraversalEntryNamesPersistNothing(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	zipBytes := buildZip(t, map[string][]byte{
		"../../../../evil.csv":      []byte("id,name\n1,alpha\n"),
		"../../../../evil.meta.csv": []byte("col,label\n"),
	}, "../../../../evil.csv", "../../../../evil.meta.csv")

	_, err := fx.orch.ImportZip(ctx, uuid.New(), Subject{ID: uuid.New(), Title: "Exclusions"}, validation.BytesSource("bundle.zip", zipBytes))
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Code != validation.DataFilenameCannotContainSpecialCharacters {
		t.Errorf("code = %s, want %s", verr.Code, validation.DataFilenameCannotContainSpecialCharacters)
	}

	if len(fx.blobs.files) != 0 {
		t.Errorf("hostile archive left %d blobs behind", len(fx.blobs.files))
	}
	if len(fx.store.imports) != 0 || len(fx.store.releaseFiles) != 0 || len(fx.publisher.Messages("pending")) != 0 {
		t.Error("hostile archive produced a record, link or message")
	}
}

// === CancelImport ===

func TestCancelImport(t *testing.T) {
	ctx := context.Background()
	release := uuid.New()

	seed := func(fx *fixture, status Status) uuid.UUID {
		fileID := uuid.New()
		fx.store.releaseFiles = append(fx.store.releaseFiles, ReleaseFile{
			ReleaseID: release, FileID: fileID, Kind: "data", Filename: "pupils.csv",
		})
		fx.store.imports[fileID] = Import{ID: uuid.New(), FileID: fileID, Status: status}
		return fileID
	}

	t.Run("active import publishes cancellation", func(t *testing.T) {
		fx := newFixture()
		fileID := seed(fx, StatusStage2)

		if err := fx.orch.CancelImport(ctx, release, fileID); err != nil {
			t.Fatalf("CancelImport: %v", err)
		}

		msgs := fx.publisher.Messages("cancelling")
		if len(msgs) != 1 || msgs[0].ImportID != fx.store.imports[fileID].ID {
			t.Errorf("cancelling messages = %v, want one for the import", msgs)
		}
	})

	t.Run("unknown file publishes nothing", func(t *testing.T) {
		fx := newFixture()

		err := fx.orch.CancelImport(ctx, release, uuid.New())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if len(fx.publisher.Messages("cancelling")) != 0 {
			t.Error("cancellation published for unknown file")
		}
	})

	t.Run("file without import record publishes nothing", func(t *testing.T) {
		fx := newFixture()
		fileID := uuid.New()
		fx.store.releaseFiles = append(fx.store.releaseFiles, ReleaseFile{
			ReleaseID: release, FileID: fileID, Kind: "data", Filename: "pupils.csv",
		})

		err := fx.orch.CancelImport(ctx, release, fileID)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if len(fx.publisher.Messages("cancelling")) != 0 {
			t.Error("cancellation published without an import record")
		}
	})

	t.Run("non-data file is rejected", func(t *testing.T) {
		fx := newFixture()
		fileID := uuid.New()
		fx.store.releaseFiles = append(fx.store.releaseFiles, ReleaseFile{
			ReleaseID: release, FileID: fileID, Kind: "ancillary", Filename: "notes.pdf",
		})

		if err := fx.orch.CancelImport(ctx, release, fileID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("finished import is rejected", func(t *testing.T) {
		fx := newFixture()
		fileID := seed(fx, StatusComplete)

		if err := fx.orch.CancelImport(ctx, release, fileID); !errors.Is(err, ErrAlreadyFinished) {
			t.Fatalf("err = %v, want ErrAlreadyFinished", err)
		}
		if len(fx.publisher.Messages("cancelling")) != 0 {
			t.Error("cancellation published for a finished import")
		}
	})

	t.Run("already cancelling is a no-op", func(t *testing.T) {
		fx := newFixture()
		fileID := seed(fx, StatusCancelling)

		if err := fx.orch.CancelImport(ctx, release, fileID); err != nil {
			t.Fatalf("CancelImport: %v", err)
		}
		if len(fx.publisher.Messages("cancelling")) != 0 {
			t.Error("duplicate cancellation published")
		}
	})
}

// === DeleteImport ===

func TestDeleteImport_Idempotent(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fileID := uuid.New()
	fx.store.imports[fileID] = Import{ID: uuid.New(), FileID: fileID, Status: StatusFailed}

	if err := fx.orch.DeleteImport(ctx, fileID); err != nil {
		t.Fatalf("first DeleteImport: %v", err)
	}
	if err := fx.orch.DeleteImport(ctx, fileID); err != nil {
		t.Fatalf("second DeleteImport: %v", err)
	}
	if _, err := fx.store.GetByFileID(ctx, fileID); !errors.Is(err, ErrNotFound) {
		t.Error("record still present after delete")
	}
}

// === countLines ===

func TestCountLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int64
	}{
		{"trailing newline", "a,b\n1,2\n3,4\n", 3},
		{"no trailing newline", "a,b\n1,2", 2},
		{"single line no newline", "a,b", 1},
		{"empty file", "", 0},
		{"blank lines count", "a\n\n\n", 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := countLines(validation.BytesSource("f.csv", []byte(tc.content)))
			if err != nil {
				t.Fatalf("countLines: %v", err)
			}
			if got != tc.want {
				t.Errorf("countLines = %d, want %d", got, tc.want)
			}
		})
	}
}
