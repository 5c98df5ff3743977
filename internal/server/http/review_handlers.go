package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/observability"
)

// createReview handles POST /reviews.
func (s *Server) createReview(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	id, err := s.service.CreateReview(r.Context(), domain.NewReview{
		Owner:             ownerFromRequest(r),
		Title:             strings.TrimSpace(req.Title),
		Question:          strings.TrimSpace(req.Question),
		InclusionCriteria: req.InclusionCriteria,
		ExclusionCriteria: req.ExclusionCriteria,
	})
	if err != nil {
		s.fail(w, r, "create review", err)
		return
	}

	writeJSON(w, http.StatusCreated, createReviewResponse{ID: id})
}

// listReviews handles GET /reviews.
func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.service.ListReviews(r.Context(), ownerFromRequest(r))
	if err != nil {
		s.fail(w, r, "list reviews", err)
		return
	}

	writeJSON(w, http.StatusOK, listReviewsResponse{Reviews: reviews, TotalCount: len(reviews)})
}

// getReview handles GET /reviews/{reviewID}.
func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}

	review, err := s.service.GetReview(r.Context(), ownerFromRequest(r), id)
	if err != nil {
		s.fail(w, r, "get review", err)
		return
	}

	writeJSON(w, http.StatusOK, review)
}

// updateReviewStatus handles PATCH /reviews/{reviewID}/status.
func (s *Server) updateReviewStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	var req updateReviewStatusRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	status := domain.ReviewStatus(strings.TrimSpace(req.Status))
	if err := s.service.UpdateReviewStatus(r.Context(), ownerFromRequest(r), id, status); err != nil {
		s.fail(w, r, "update review status", err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// updateSearchStrategy handles PUT /reviews/{reviewID}/search-strategy.
func (s *Server) updateSearchStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "reviewID")
	if !ok {
		return
	}
	var req updateSearchStrategyRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	if err := s.service.UpdateSearchStrategy(r.Context(), ownerFromRequest(r), id, req.SearchStrategy); err != nil {
		s.fail(w, r, "update search strategy", err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// fail logs a failed request and writes the mapped error response. Client
// errors are logged at debug level.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := observability.FromContext(r.Context(), s.logger)
	event := logger.Error()
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
		event = logger.Debug()
	}
	event.Err(err).Str("op", op).Msg("request failed")

	writeDomainError(w, err)
}
