package httpserver

import (
	"net/http"
	"strings"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/prisma"
)

// importStudies handles POST /reviews/{reviewID}/studies/import.
// A partially failed import is still a 200; the failed batches are in the body.
func (s *Server) importStudies(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	var req importStudiesRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	result, err := s.service.ImportStudies(r.Context(), ownerFromRequest(r), id, req.Studies, prisma.ImportOptions{
		BatchSize: req.BatchSize,
		ChunkSize: req.ChunkSize,
	})
	if err != nil {
		s.fail(w, r, "import studies", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// importFromPubMed handles POST /reviews/{reviewID}/studies/import/pubmed.
func (s *Server) importFromPubMed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	var req importPubMedRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	result, err := s.service.ImportFromSource(r.Context(), ownerFromRequest(r), id, strings.TrimSpace(req.Query), req.MaxResults, prisma.ImportOptions{
		BatchSize: req.BatchSize,
	})
	if err != nil {
		s.fail(w, r, "import from pubmed", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// deduplicate handles POST /reviews/{reviewID}/deduplicate. The body is optional;
// without a method the review's configured method is used.
func (s *Server) deduplicate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	var req deduplicateRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}

	n, err := s.service.Deduplicate(r.Context(), ownerFromRequest(r), id, req.Method)
	if err != nil {
		s.fail(w, r, "deduplicate", err)
		return
	}

	writeJSON(w, http.StatusOK, deduplicateResponse{Duplicates: n})
}

// listStudies handles GET /reviews/{reviewID}/studies?status=.
func (s *Server) listStudies(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}

	var status *domain.StudyStatus
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		st := domain.StudyStatus(v)
		status = &st
	}

	studies, err := s.service.ListStudies(r.Context(), ownerFromRequest(r), id, status)
	if err != nil {
		s.fail(w, r, "list studies", err)
		return
	}

	writeJSON(w, http.StatusOK, listStudiesResponse{Studies: studies, TotalCount: len(studies)})
}

// updateStudyStatus handles PATCH /studies/{studyID}/status.
func (s *Server) updateStudyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "studyID")
	if !ok {
		return
	}
	var req updateStudyStatusRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	status := domain.StudyStatus(strings.TrimSpace(req.Status))
	if err := s.service.UpdateStudyStatus(r.Context(), ownerFromRequest(r), id, status, req.Notes); err != nil {
		s.fail(w, r, "update study status", err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
