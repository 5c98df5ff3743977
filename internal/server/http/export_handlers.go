package httpserver

import (
	"fmt"
	"net/http"

	"github.com/helixir/prisma-review-service/internal/export"
)

// getStats handles GET /reviews/{reviewID}/stats.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}

	stats, err := s.service.Stats(r.Context(), ownerFromRequest(r), id)
	if err != nil {
		s.fail(w, r, "statistics", err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// exportReview handles GET /reviews/{reviewID}/export?format=csv|json.
// The format defaults to csv.
func (s *Server) exportReview(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	format, ok := formatParam(w, r)
	if !ok {
		return
	}

	data, err := s.service.Export(r.Context(), ownerFromRequest(r), id, format)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="review-%d.%s"`, id, format.Extension()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// archiveExport handles POST /reviews/{reviewID}/export/archive?format=.
func (s *Server) archiveExport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	format, ok := formatParam(w, r)
	if !ok {
		return
	}

	obj, err := s.service.ArchiveExport(r.Context(), ownerFromRequest(r), id, format)
	if err != nil {
		s.fail(w, r, "archive export", err)
		return
	}

	writeJSON(w, http.StatusCreated, obj)
}

func formatParam(w http.ResponseWriter, r *http.Request) (export.Format, bool) {
	v := r.URL.Query().Get("format")
	if v == "" {
		return export.FormatCSV, true
	}
	f, err := export.ParseFormat(v)
	if err != nil {
		writeDomainError(w, err)
		return "", false
	}
	return f, true
}
