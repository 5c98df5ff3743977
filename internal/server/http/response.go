package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helixir/prisma-review-service/internal/archive"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/prisma"
)

// Request bodies.

type createReviewRequest struct {
	Title             string   `json:"title" validate:"required,max=1000"`
	Question          string   `json:"question" validate:"required,max=10000"`
	InclusionCriteria []string `json:"inclusion_criteria" validate:"max=200,dive,max=2000"`
	ExclusionCriteria []string `json:"exclusion_criteria" validate:"max=200,dive,max=2000"`
}

type updateReviewStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type updateSearchStrategyRequest struct {
	SearchStrategy string `json:"search_strategy" validate:"required,max=100000"`
}

type importStudiesRequest struct {
	Studies   []domain.Candidate `json:"studies" validate:"required"`
	BatchSize int                `json:"batch_size" validate:"gte=0,lte=100000"`
	ChunkSize int                `json:"chunk_size" validate:"gte=0"`
}

type importPubMedRequest struct {
	Query      string `json:"query" validate:"required,max=4000"`
	MaxResults int    `json:"max_results" validate:"gte=0,lte=100000"`
	BatchSize  int    `json:"batch_size" validate:"gte=0,lte=100000"`
}

type deduplicateRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=external_id pmid title_abstract"`
}

type updateStudyStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes" validate:"max=100000"`
}

// Response bodies.

type createReviewResponse struct {
	ID int64 `json:"id"`
}

type listReviewsResponse struct {
	Reviews    []domain.ReviewSummary `json:"reviews"`
	TotalCount int                    `json:"total_count"`
}

type listStudiesResponse struct {
	Studies    []domain.Study `json:"studies"`
	TotalCount int            `json:"total_count"`
}

type deduplicateResponse struct {
	Duplicates int `json:"duplicates"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// writeDomainError maps domain errors to HTTP status codes. Messages never echo
// internal details.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		ve     *domain.ValidationError
		te     *domain.TransitionError
		rle    *domain.RateLimitError
		apiErr *domain.ExternalAPIError
	)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, te.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrRateLimited):
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s request failed", apiErr.Source))
	case errors.Is(err, prisma.ErrSourceUnavailable):
		writeError(w, http.StatusBadGateway, "candidate source unavailable")
	case errors.Is(err, archive.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "export archive is disabled")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set. It writes the error response and returns
// false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return false
		}
	}

	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			writeError(w, http.StatusBadRequest, describeFieldError(fieldErrs[0]))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// parseID reads a positive integer path parameter, writing a 400 error response
// if it is malformed. The raw value is not echoed back.
func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", param))
		return 0, false
	}
	return id, true
}
