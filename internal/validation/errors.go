package validation

// errors.go defines the typed validation failure returned to callers.
//
// Validation failures are expected, user-caused conditions: they carry a
// stable code plus a human-readable message and are returned as values, never
// panicked. Infrastructure failures travel as ordinary wrapped errors instead.
// Rules are evaluated in a fixed precedence order and the first match wins,
// so a given bad upload always reports the same code.

import "fmt"

// Code identifies a validation failure. Codes are stable: clients and tests
// match on them, so existing values must never be renamed.
type Code string

const (
	// Pair rules, in precedence order
	DataAndMetadataFilesCannotHaveTheSameName  Code = "DataAndMetadataFilesCannotHaveTheSameName"
	DataFilenameCannotContainSpecialCharacters Code = "DataFilenameCannotContainSpacesOrSpecialCharacters"
	MetaFilenameCannotContainSpecialCharacters Code = "MetaFilenameCannotContainSpacesOrSpecialCharacters"
	MetaFileIsIncorrectlyNamed                 Code = "MetaFileIsIncorrectlyNamed"
	DataFileMustBeCsvFile                      Code = "DataFileMustBeCsvFile"
	MetaFileMustBeCsvFile                      Code = "MetaFileMustBeCsvFile"
	CannotOverwriteDataFile                    Code = "CannotOverwriteDataFile"
	CannotOverwriteMetadataFile                Code = "CannotOverwriteMetadataFile"
	DataFileCannotBeEmpty                      Code = "DataFileCannotBeEmpty"
	MetadataFileCannotBeEmpty                  Code = "MetadataFileCannotBeEmpty"
	DataFileTypeInvalid                        Code = "DataFileTypeInvalid"
	MetadataFileTypeInvalid                    Code = "MetadataFileTypeInvalid"
	DataFileStructureInvalid                   Code = "DataFileStructureInvalid"

	// Archive rules
	DataZipMustBeZipFile              Code = "DataZipMustBeZipFile"
	DataZipMustContainTwoFiles        Code = "DataZipMustContainTwoFiles"
	DataZipContentMustContainCsvFiles Code = "DataZipContentMustContainCsvFiles"
	DataZipFileMustContainMetaFile    Code = "DataZipFileMustContainMetaFile"

	// Generic single-file rules
	FileCannotBeEmpty     Code = "FileCannotBeEmpty"
	FileSizeLimitExceeded Code = "FileSizeLimitExceeded"
	FileTypeInvalid       Code = "FileTypeInvalid"

	// Subject naming rules
	SubjectTitleCannotContainSpecialCharacters Code = "SubjectTitleCannotContainSpecialCharacters"
	SubjectTitleMustBeUnique                   Code = "SubjectTitleMustBeUnique"
)

// Error is a user-caused validation failure with a stable code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// fail builds an *Error with a formatted message.
func fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
