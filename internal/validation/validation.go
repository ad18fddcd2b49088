// Package validation applies the upload business rules to submitted files
// before anything is persisted or enqueued.
//
// Rules are ordered and short-circuiting: the first failure is reported and
// later, more expensive checks (content sniffing, CSV preflight) never run.
// User-caused failures come back as *Error values; anything else is an
// infrastructure error that aborts the whole operation.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Clever/csvlint"
	"github.com/google/uuid"

	"github.com/openstats/importer/internal/filetype"
)

// FileKind classifies an uploaded file's role within a release.
type FileKind string

const (
	KindData      FileKind = "data"
	KindMetadata  FileKind = "metadata"
	KindDataZip   FileKind = "data-zip"
	KindAncillary FileKind = "ancillary"
	KindChart     FileKind = "chart"
)

// OpenFunc opens a fresh forward-only reader over a file's content.
// Validators never seek; any re-read goes through a new reader.
type OpenFunc func() (io.ReadCloser, error)

// FileSource is one uploaded file presented to the validators.
type FileSource struct {
	Name string
	Size int64
	Open OpenFunc
}

// BytesSource wraps an in-memory buffer as a FileSource. Used for zip
// entries after extraction and throughout the tests.
func BytesSource(name string, data []byte) FileSource {
	return FileSource{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileChecker answers uniqueness questions against the release's existing
// files. Implemented by the imports store; faked in tests.
type FileChecker interface {
	// FileExists reports whether a live (non-replaced) file of the given
	// kind with this name is already registered for the release. Filename
	// comparison is case-insensitive.
	FileExists(ctx context.Context, releaseID uuid.UUID, kind FileKind, filename string) (bool, error)

	// SubjectNameExists reports whether another data file in the release
	// already uses this subject name.
	SubjectNameExists(ctx context.Context, releaseID uuid.UUID, name string) (bool, error)
}

// Allowed content types and encodings per file role.
var (
	csvMimeTypes = []string{"text/csv", "text/plain"}
	csvEncodings = []string{filetype.EncodingASCII, filetype.EncodingUTF8}
	zipMimeTypes = []string{filetype.MimeZip, "application/x-zip-compressed"}

	ancillaryMimeTypes = []string{
		"application/pdf",
		"text/plain",
		"text/csv",
		filetype.MimeZip,
		"application/msword",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.*",
		"application/vnd.oasis.opendocument.*",
	}
	chartMimeTypes = []string{"image/*"}
)

// filenameReservedChars are rejected in uploaded filenames: the space and
// ampersand plus every OS-reserved filename character.
const filenameReservedChars = ` &/\:*?"<>|`

// subjectReservedChars are rejected in subject titles. Spaces are fine there.
const subjectReservedChars = `&/\:*?"<>|`

// csvPreflightBytes is how much of a data file the structural CSV preflight
// reads. The chunk is trimmed to the last complete line before linting.
const csvPreflightBytes = 64 * 1024

// Validator applies upload rules for one release context.
type Validator struct {
	checker          FileChecker
	maxFileSize      int64
	maxAncillarySize int64
}

// NewValidator builds a Validator. maxFileSize caps data and zip uploads;
// maxAncillarySize caps everything validated by ValidateSingle.
func NewValidator(checker FileChecker, maxFileSize, maxAncillarySize int64) *Validator {
	return &Validator{
		checker:          checker,
		maxFileSize:      maxFileSize,
		maxAncillarySize: maxAncillarySize,
	}
}

// ValidatePair validates a loose data/metadata CSV pair. The returned error
// is a *Error for user-caused failures, evaluated in documented order with
// the first failure winning.
func (v *Validator) ValidatePair(ctx context.Context, releaseID uuid.UUID, data, meta FileSource) error {
	// 1. The pair must not share a name
	if strings.EqualFold(data.Name, meta.Name) {
		return fail(DataAndMetadataFilesCannotHaveTheSameName,
			"data file and metadata file cannot share a name")
	}

	// 2. No spaces or reserved characters in either name
	if containsAny(data.Name, filenameReservedChars) {
		return fail(DataFilenameCannotContainSpecialCharacters,
			"data filename %q contains spaces or special characters", data.Name)
	}
	if containsAny(meta.Name, filenameReservedChars) {
		return fail(MetaFilenameCannotContainSpecialCharacters,
			"metadata filename %q contains spaces or special characters", meta.Name)
	}

	// 3. The metadata file must be named as one
	if !strings.Contains(meta.Name, ".meta.") {
		return fail(MetaFileIsIncorrectlyNamed,
			"metadata file %q is incorrectly named: expected a .meta. infix", meta.Name)
	}

	// 4. Both must carry the .csv extension
	if !strings.HasSuffix(data.Name, ".csv") {
		return fail(DataFileMustBeCsvFile, "data file %q must be a CSV file", data.Name)
	}
	if !strings.HasSuffix(meta.Name, ".csv") {
		return fail(MetaFileMustBeCsvFile, "metadata file %q must be a CSV file", meta.Name)
	}

	// 5. Neither name may collide with an existing live file in the release
	if exists, err := v.checker.FileExists(ctx, releaseID, KindData, data.Name); err != nil {
		return fmt.Errorf("check existing data file: %w", err)
	} else if exists {
		return fail(CannotOverwriteDataFile,
			"cannot overwrite existing data file %q", data.Name)
	}
	if exists, err := v.checker.FileExists(ctx, releaseID, KindMetadata, meta.Name); err != nil {
		return fmt.Errorf("check existing metadata file: %w", err)
	} else if exists {
		return fail(CannotOverwriteMetadataFile,
			"cannot overwrite existing metadata file %q", meta.Name)
	}

	// 6. Neither file may be empty
	if data.Size == 0 {
		return fail(DataFileCannotBeEmpty, "data file %q cannot be empty", data.Name)
	}
	if meta.Size == 0 {
		return fail(MetadataFileCannotBeEmpty, "metadata file %q cannot be empty", meta.Name)
	}

	// 7. Sniffed content type and encoding must match the CSV allow lists
	if err := v.checkCsvContent(data, DataFileTypeInvalid); err != nil {
		return err
	}
	if err := v.checkCsvContent(meta, MetadataFileTypeInvalid); err != nil {
		return err
	}

	// 8. Structural CSV preflight on the data file
	return v.preflightCsv(data)
}

// ValidateArchive validates a zipped data/metadata pair: zip-level rules
// first, then archive structure, then the pair rules against the entries.
// On success the inspected archive is returned for the orchestrator.
func (v *Validator) ValidateArchive(ctx context.Context, releaseID uuid.UUID, zipFile FileSource) (*DataArchiveFile, error) {
	if containsAny(zipFile.Name, filenameReservedChars) {
		return nil, fail(DataFilenameCannotContainSpecialCharacters,
			"archive filename %q contains spaces or special characters", zipFile.Name)
	}
	if !strings.HasSuffix(zipFile.Name, ".zip") {
		return nil, fail(DataZipMustBeZipFile, "file %q must be a zip file", zipFile.Name)
	}
	if zipFile.Size == 0 {
		return nil, fail(FileCannotBeEmpty, "file %q cannot be empty", zipFile.Name)
	}
	if zipFile.Size > v.maxFileSize {
		return nil, fail(FileSizeLimitExceeded,
			"file %q exceeds the %d byte size limit", zipFile.Name, v.maxFileSize)
	}

	zipBytes, err := readAll(zipFile)
	if err != nil {
		return nil, fmt.Errorf("read archive %q: %w", zipFile.Name, err)
	}

	// Structural rules come before any content sniffing
	archive, verr := Inspect(zipBytes)
	if verr != nil {
		return nil, verr
	}

	// Entry names obey the same character rules as loose uploads. The
	// reserved set includes both path separators, so a hostile entry path
	// cannot place an extracted blob outside the release's storage area.
	if containsAny(archive.DataFileName(), filenameReservedChars) {
		return nil, fail(DataFilenameCannotContainSpecialCharacters,
			"data filename %q contains spaces or special characters", archive.DataFileName())
	}
	if containsAny(archive.MetaFileName(), filenameReservedChars) {
		return nil, fail(MetaFilenameCannotContainSpecialCharacters,
			"metadata filename %q contains spaces or special characters", archive.MetaFileName())
	}

	// Uniqueness against existing release files
	if exists, err := v.checker.FileExists(ctx, releaseID, KindData, archive.DataFileName()); err != nil {
		return nil, fmt.Errorf("check existing data file: %w", err)
	} else if exists {
		return nil, fail(CannotOverwriteDataFile,
			"cannot overwrite existing data file %q", archive.DataFileName())
	}
	if exists, err := v.checker.FileExists(ctx, releaseID, KindMetadata, archive.MetaFileName()); err != nil {
		return nil, fmt.Errorf("check existing metadata file: %w", err)
	} else if exists {
		return nil, fail(CannotOverwriteMetadataFile,
			"cannot overwrite existing metadata file %q", archive.MetaFileName())
	}

	// Entry emptiness
	if archive.DataFileSize() == 0 {
		return nil, fail(DataFileCannotBeEmpty,
			"data file %q cannot be empty", archive.DataFileName())
	}
	if archive.MetaFileSize() == 0 {
		return nil, fail(MetadataFileCannotBeEmpty,
			"metadata file %q cannot be empty", archive.MetaFileName())
	}

	// Content checks on the extracted entries
	dataBytes, err := archive.ReadDataFile()
	if err != nil {
		return nil, fmt.Errorf("extract data file %q: %w", archive.DataFileName(), err)
	}
	metaBytes, err := archive.ReadMetaFile()
	if err != nil {
		return nil, fmt.Errorf("extract metadata file %q: %w", archive.MetaFileName(), err)
	}

	dataSrc := BytesSource(archive.DataFileName(), dataBytes)
	metaSrc := BytesSource(archive.MetaFileName(), metaBytes)

	if err := v.checkCsvContent(dataSrc, DataFileTypeInvalid); err != nil {
		return nil, err
	}
	if err := v.checkCsvContent(metaSrc, MetadataFileTypeInvalid); err != nil {
		return nil, err
	}
	if err := v.preflightCsv(dataSrc); err != nil {
		return nil, err
	}

	return archive, nil
}

// ValidateSingle validates an ancillary or chart upload. Calling it with a
// data, metadata or zip kind is a programming error: those go through
// ValidatePair / ValidateArchive, and misuse aborts immediately.
func (v *Validator) ValidateSingle(f FileSource, kind FileKind) error {
	switch kind {
	case KindData, KindMetadata, KindDataZip:
		panic(fmt.Sprintf("validation: ValidateSingle called with reserved kind %q", kind))
	}

	if f.Size == 0 {
		return fail(FileCannotBeEmpty, "file %q cannot be empty", f.Name)
	}
	if f.Size > v.maxAncillarySize {
		return fail(FileSizeLimitExceeded,
			"file %q exceeds the %d byte size limit", f.Name, v.maxAncillarySize)
	}

	head, err := readHead(f)
	if err != nil {
		return fmt.Errorf("read file %q: %w", f.Name, err)
	}

	allowed := ancillaryMimeTypes
	if kind == KindChart {
		allowed = chartMimeTypes
	}
	if !filetype.MatchesAnyMimeType(head, allowed...) {
		return fail(FileTypeInvalid,
			"file %q has an invalid type for %s uploads", f.Name, kind)
	}

	return nil
}

// ValidateSubjectName checks a proposed subject title for reserved
// characters and uniqueness within the release.
func (v *Validator) ValidateSubjectName(ctx context.Context, releaseID uuid.UUID, name string) error {
	if containsAny(name, subjectReservedChars) {
		return fail(SubjectTitleCannotContainSpecialCharacters,
			"subject title %q contains special characters", name)
	}

	taken, err := v.checker.SubjectNameExists(ctx, releaseID, name)
	if err != nil {
		return fmt.Errorf("check subject name: %w", err)
	}
	if taken {
		return fail(SubjectTitleMustBeUnique,
			"subject title %q is already used in this release", name)
	}

	return nil
}

// checkCsvContent sniffs MIME type and encoding of f against the CSV allow
// lists, failing with the given role-specific code.
func (v *Validator) checkCsvContent(f FileSource, code Code) error {
	head, err := readHead(f)
	if err != nil {
		return fmt.Errorf("read file %q: %w", f.Name, err)
	}

	if !filetype.MatchesAnyMimeType(head, csvMimeTypes...) {
		return fail(code, "file %q must be a CSV file", f.Name)
	}
	if !filetype.MatchesEncoding(head, csvEncodings...) {
		return fail(code, "file %q has an invalid encoding: expected ASCII or UTF-8", f.Name)
	}

	return nil
}

// preflightCsv lints the leading rows of the data file so obviously broken
// files are rejected before the import is enqueued. The worker performs the
// full parse; this only catches inconsistent field counts early.
func (v *Validator) preflightCsv(data FileSource) error {
	chunk, err := readN(data, csvPreflightBytes)
	if err != nil {
		return fmt.Errorf("read data file %q: %w", data.Name, err)
	}

	// Drop the trailing partial line cut off by the read window
	if int64(len(chunk)) == csvPreflightBytes {
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			chunk = chunk[:i+1]
		}
	}

	invalids, _, err := csvlint.Validate(bytes.NewReader(chunk), ',', true)
	if err != nil {
		return fail(DataFileStructureInvalid,
			"data file %q is not parseable as CSV: %v", data.Name, err)
	}
	if len(invalids) > 0 {
		return fail(DataFileStructureInvalid,
			"data file %q has invalid rows: %v", data.Name, invalids[0])
	}

	return nil
}

// containsAny reports whether s contains any rune from chars.
func containsAny(s, chars string) bool {
	return strings.ContainsAny(s, chars)
}

// readHead reads the sniffing window from a source.
func readHead(f FileSource) ([]byte, error) {
	return readN(f, 1024)
}

// readN opens the source and reads at most n bytes.
func readN(f FileSource, n int64) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(io.LimitReader(r, n))
}

// readAll opens the source and reads it fully.
func readAll(f FileSource) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
