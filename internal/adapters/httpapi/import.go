package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"obddash/pkg/domain"
)

// importFile accepts a multipart upload in the "file" field.
func (h *Handler) importFile(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeError(w, http.StatusNotFound, "import not enabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUpload))
		default:
			h.fail(w, r, domain.ValidationError{Field: "file", Message: "multipart field \"file\" is required"})
		}
		return
	}
	defer file.Close()

	summary, err := h.importer.Import(r.Context(), r.PathValue("id"), header.Filename, file)
	if err != nil {
		var verr domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "summary": summary})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}
