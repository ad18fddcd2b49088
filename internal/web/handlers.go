package web

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openstats/importer/internal/imports"
	"github.com/openstats/importer/internal/validation"
)

// importCreated is the 201 body for both submission endpoints.
type importCreated struct {
	ImportID   uuid.UUID  `json:"importId"`
	FileID     uuid.UUID  `json:"fileId"`
	MetaFileID uuid.UUID  `json:"metaFileId"`
	ZipFileID  *uuid.UUID `json:"zipFileId,omitempty"`
	Status     string     `json:"status"`
	Rows       *int64     `json:"rows"`
}

func created(imp imports.Import) importCreated {
	return importCreated{
		ImportID:   imp.ID,
		FileID:     imp.FileID,
		MetaFileID: imp.MetaFileID,
		ZipFileID:  imp.ZipFileID,
		Status:     string(imp.Status),
		Rows:       imp.Rows,
	}
}

// handleSubmitData accepts a multipart data/metadata CSV pair plus the
// subject title the data set will be imported under.
func (s *Server) handleSubmitData(w http.ResponseWriter, r *http.Request) {
	releaseID, err := urlUUID(r, "releaseID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidReleaseId", Message: "release id is not a valid UUID"})
		return
	}

	if err := s.limiter.Acquire(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	defer s.limiter.Release()

	if err := s.parseUpload(w, r); err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidUpload", Message: err.Error()})
		return
	}

	data, err := formFileSource(r, "dataFile")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "MissingFile", Message: err.Error()})
		return
	}
	meta, err := formFileSource(r, "metaFile")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "MissingFile", Message: err.Error()})
		return
	}

	subject := imports.Subject{ID: uuid.New(), Title: r.FormValue("subjectTitle")}

	imp, err := s.importer.Import(r.Context(), releaseID, subject, data, meta)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created(imp))
}

// handleSubmitZipData accepts a multipart zip archive holding the pair.
func (s *Server) handleSubmitZipData(w http.ResponseWriter, r *http.Request) {
	releaseID, err := urlUUID(r, "releaseID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidReleaseId", Message: "release id is not a valid UUID"})
		return
	}

	if err := s.limiter.Acquire(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	defer s.limiter.Release()

	if err := s.parseUpload(w, r); err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidUpload", Message: err.Error()})
		return
	}

	zipFile, err := formFileSource(r, "zipFile")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "MissingFile", Message: err.Error()})
		return
	}

	subject := imports.Subject{ID: uuid.New(), Title: r.FormValue("subjectTitle")}

	imp, err := s.importer.ImportZip(r.Context(), releaseID, subject, zipFile)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created(imp))
}

// handleImportStatus returns just the status. A file with no import record
// reports the NOT_FOUND sentinel with a 200, so pollers need no special
// casing before the record appears.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	fileID, err := urlUUID(r, "fileID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidFileId", Message: "file id is not a valid UUID"})
		return
	}

	status, err := s.status.GetStatus(r.Context(), fileID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleImportView returns the full progress view, 404 when no record exists.
func (s *Server) handleImportView(w http.ResponseWriter, r *http.Request) {
	fileID, err := urlUUID(r, "fileID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidFileId", Message: "file id is not a valid UUID"})
		return
	}

	view, err := s.status.GetImportView(r.Context(), fileID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleIncompleteImports(w http.ResponseWriter, r *http.Request) {
	releaseID, err := urlUUID(r, "releaseID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidReleaseId", Message: "release id is not a valid UUID"})
		return
	}

	incomplete, err := s.importer.HasIncompleteImports(r.Context(), releaseID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"hasIncompleteImports": incomplete})
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	releaseID, err := urlUUID(r, "releaseID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidReleaseId", Message: "release id is not a valid UUID"})
		return
	}
	fileID, err := urlUUID(r, "fileID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidFileId", Message: "file id is not a valid UUID"})
		return
	}

	if err := s.importer.CancelImport(r.Context(), releaseID, fileID); err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	fileID, err := urlUUID(r, "fileID")
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code: "InvalidFileId", Message: "file id is not a valid UUID"})
		return
	}

	if err := s.importer.DeleteImport(r.Context(), fileID); err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.importer.PendingCount(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"pendingCount": count})
}

// parseUpload caps the request body at the configured upload limit and
// parses the multipart form with a small in-memory window; larger parts
// spill to temp files.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) error {
	maxSize := s.cfg.Upload.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return fmt.Errorf("upload too large or malformed multipart form")
	}
	return nil
}

// formFileSource wraps a multipart part as a reopenable FileSource.
func formFileSource(r *http.Request, field string) (validation.FileSource, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return validation.FileSource{}, fmt.Errorf("missing %q file", field)
	}

	header := r.MultipartForm.File[field][0]
	return validation.FileSource{
		Name: header.Filename,
		Size: header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}, nil
}

func urlUUID(r *http.Request, param string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, param))
}
