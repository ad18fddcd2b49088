package validation

// archive.go inspects uploaded zip archives. An archive must hold exactly
// one data CSV and one metadata CSV; the metadata entry is identified by the
// ".meta." infix in its name. Structural rules run in order and the first
// failure wins, before any entry content is read.

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
)

// DataArchiveFile is a validated pairing of the data and metadata entries of
// one uploaded archive. It is transient: produced by Inspect, consumed within
// the same upload request, never persisted.
type DataArchiveFile struct {
	dataEntry *zip.File
	metaEntry *zip.File
}

// DataFileName returns the name of the data entry.
func (a *DataArchiveFile) DataFileName() string { return a.dataEntry.Name }

// MetaFileName returns the name of the metadata entry.
func (a *DataArchiveFile) MetaFileName() string { return a.metaEntry.Name }

// DataFileSize returns the uncompressed size of the data entry.
func (a *DataArchiveFile) DataFileSize() int64 { return int64(a.dataEntry.UncompressedSize64) }

// MetaFileSize returns the uncompressed size of the metadata entry.
func (a *DataArchiveFile) MetaFileSize() int64 { return int64(a.metaEntry.UncompressedSize64) }

// ReadDataFile extracts the data entry's content.
func (a *DataArchiveFile) ReadDataFile() ([]byte, error) { return readEntry(a.dataEntry) }

// ReadMetaFile extracts the metadata entry's content.
func (a *DataArchiveFile) ReadMetaFile() ([]byte, error) { return readEntry(a.metaEntry) }

// Inspect opens zipBytes as a zip archive and applies the structural rules:
//
//  1. exactly two entries
//  2. both entries named *.csv (case-sensitive)
//  3. the entries do not share a name
//  4. exactly one entry carries the ".meta." infix and is the metadata file
//
// Rule 4 deliberately rejects archives where neither entry is named as
// metadata rather than guessing an assignment from entry order.
func Inspect(zipBytes []byte) (*DataArchiveFile, *Error) {
	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, fail(DataZipMustBeZipFile, "file is not a valid zip archive")
	}

	if len(r.File) != 2 {
		return nil, fail(DataZipMustContainTwoFiles,
			"archive must contain exactly two files, found %d", len(r.File))
	}

	first, second := r.File[0], r.File[1]

	if !strings.HasSuffix(first.Name, ".csv") || !strings.HasSuffix(second.Name, ".csv") {
		return nil, fail(DataZipContentMustContainCsvFiles, "archive must contain CSV files")
	}

	if strings.EqualFold(first.Name, second.Name) {
		return nil, fail(DataAndMetadataFilesCannotHaveTheSameName,
			"archive entries cannot share a name")
	}

	firstIsMeta := strings.Contains(first.Name, ".meta.")
	secondIsMeta := strings.Contains(second.Name, ".meta.")

	if firstIsMeta == secondIsMeta {
		// none or both: the metadata entry cannot be identified
		return nil, fail(DataZipFileMustContainMetaFile,
			"archive must contain exactly one metadata file named with a .meta. infix")
	}

	if firstIsMeta {
		return &DataArchiveFile{dataEntry: second, metaEntry: first}, nil
	}
	return &DataArchiveFile{dataEntry: first, metaEntry: second}, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
