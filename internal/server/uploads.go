package server

import (
	"errors"
	"io"
	"net/http"

	"bakeoff/internal/engine"
)

// multipartSlack covers the part headers around the file body.
const multipartSlack = 64 << 10

// handleUpload streams the multipart "file" part into object storage. It
// sits outside huma so the body is never buffered whole.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	agent, err := agentFromContext(r.Context())
	if err != nil {
		respondError(w, err.(*apiError))
		return
	}
	limit := s.e.Config.Limits.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, newAPIError(http.StatusBadRequest, "", "expected a multipart/form-data body", nil))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, s.uploadReadError(err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}
		att, err := s.e.Upload(r.Context(), agent.ID, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				respondError(w, s.uploadReadError(err))
				return
			}
			respondError(w, s.toAPIError(err))
			return
		}
		writeJSON(w, http.StatusCreated, UploadResponse{Attachment: att})
		return
	}
	respondError(w, newAPIError(http.StatusBadRequest, engine.CodeValidation, "multipart field \"file\" is required", nil))
}

func (s *server) uploadReadError(err error) *apiError {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return newAPIError(http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds the size limit", map[string]any{
			"max_bytes": s.e.Config.Limits.MaxUploadBytes,
		})
	}
	return newAPIError(http.StatusBadRequest, "", "malformed multipart body", nil)
}
