// Package memstore is an in-memory implementation of the repository interfaces and
// TxRunner. Transactions work on a copy of the state that replaces the live state
// on commit, so a failed callback leaves no trace. Used by unit tests of the
// packages that sit on top of the repositories.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/repository"
)

// InsertHook is called before each InsertBatch with the 1-based call number.
// A non-nil error fails the insert and therefore the surrounding transaction.
type InsertHook func(call int, reviewID int64, candidates []domain.Candidate) error

// Store holds reviews and studies in memory.
type Store struct {
	mu    sync.Mutex
	state *state

	insertHook  InsertHook
	insertCalls int
	lockCalls   map[int64]int

	// Clock stamps created_at and updated_at. Defaults to time.Now.
	Clock func() time.Time
}

type state struct {
	reviews      map[int64]domain.Review
	studies      []domain.Study
	nextReviewID int64
	nextStudyID  int64
}

// Compile-time interface verification.
var _ repository.TxRunner = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		state:     &state{reviews: make(map[int64]domain.Review)},
		lockCalls: make(map[int64]int),
		Clock:     time.Now,
	}
}

// OnInsert installs a hook run before every InsertBatch.
func (s *Store) OnInsert(hook InsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertHook = hook
}

// InsertCalls returns how many times InsertBatch ran, including failed calls.
func (s *Store) InsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCalls
}

// LockCalls returns how many times LockReview ran for the review.
func (s *Store) LockCalls(reviewID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockCalls[reviewID]
}

// Repos returns repositories that operate on the live state, one statement at a time.
func (s *Store) Repos() repository.Store {
	v := &view{store: s, locked: false}
	return repository.Store{Reviews: reviewRepo{v}, Studies: studyRepo{v}}
}

// InTx implements repository.TxRunner.
func (s *Store) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.run(ctx, true, fn)
}

// InSnapshot implements repository.TxRunner. Changes made by fn are discarded.
func (s *Store) InSnapshot(ctx context.Context, fn func(repository.Store) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, commit bool, fn func(repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := &view{store: s, locked: true, st: s.state.clone()}
	if err := fn(repository.Store{Reviews: reviewRepo{v}, Studies: studyRepo{v}}); err != nil {
		return err
	}
	if commit {
		s.state = v.st
	}
	return nil
}

func (st *state) clone() *state {
	c := &state{
		reviews:      make(map[int64]domain.Review, len(st.reviews)),
		studies:      make([]domain.Study, len(st.studies)),
		nextReviewID: st.nextReviewID,
		nextStudyID:  st.nextStudyID,
	}
	for id, r := range st.reviews {
		c.reviews[id] = r
	}
	copy(c.studies, st.studies)
	return c
}

// view is the state one repository call operates on: the live state, locked per
// call, or a transaction's private copy whose lock is already held.
type view struct {
	store  *Store
	locked bool
	st     *state
}

func (v *view) do(fn func(st *state) error) error {
	if v.locked {
		return fn(v.st)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.state)
}

func notFound(kind string, id int64) error {
	return domain.NewNotFoundError(kind, strconv.FormatInt(id, 10))
}

type reviewRepo struct{ v *view }

func (r reviewRepo) Create(_ context.Context, nr domain.NewReview) (int64, error) {
	if err := nr.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.v.do(func(st *state) error {
		st.nextReviewID++
		id = st.nextReviewID
		now := r.v.store.Clock()
		st.reviews[id] = domain.Review{
			ID:                id,
			Owner:             nr.Owner,
			Title:             nr.Title,
			Question:          nr.Question,
			Status:            domain.ReviewStatusIdentification,
			Config:            domain.DefaultReviewConfig(),
			InclusionCriteria: append([]string{}, nr.InclusionCriteria...),
			ExclusionCriteria: append([]string{}, nr.ExclusionCriteria...),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return nil
	})
	return id, err
}

func (r reviewRepo) ListByOwner(_ context.Context, owner string) ([]domain.ReviewSummary, error) {
	out := make([]domain.ReviewSummary, 0)
	err := r.v.do(func(st *state) error {
		for _, rv := range st.reviews {
			if rv.Owner != owner {
				continue
			}
			out = append(out, domain.ReviewSummary{
				ID: rv.ID, Title: rv.Title, Question: rv.Question, Status: rv.Status,
				CreatedAt: rv.CreatedAt, UpdatedAt: rv.UpdatedAt,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (r reviewRepo) Get(_ context.Context, id int64) (*domain.Review, error) {
	var out *domain.Review
	err := r.v.do(func(st *state) error {
		rv, ok := st.reviews[id]
		if !ok {
			return notFound("review", id)
		}
		out = &rv
		return nil
	})
	return out, err
}

func (r reviewRepo) mutate(id int64, fn func(rv *domain.Review)) error {
	return r.v.do(func(st *state) error {
		rv, ok := st.reviews[id]
		if !ok {
			return notFound("review", id)
		}
		fn(&rv)
		rv.UpdatedAt = r.v.store.Clock()
		st.reviews[id] = rv
		return nil
	})
}

func (r reviewRepo) UpdateStatus(_ context.Context, id int64, status domain.ReviewStatus) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown review status %q", status))
	}
	return r.mutate(id, func(rv *domain.Review) { rv.Status = status })
}

func (r reviewRepo) UpdateSearchStrategy(_ context.Context, id int64, strategy string) error {
	return r.mutate(id, func(rv *domain.Review) { rv.SearchStrategy = &strategy })
}

func (r reviewRepo) Touch(_ context.Context, id int64) error {
	return r.mutate(id, func(*domain.Review) {})
}

type studyRepo struct{ v *view }

func (r studyRepo) InsertBatch(_ context.Context, reviewID int64, candidates []domain.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	store := r.v.store
	if !r.v.locked {
		store.mu.Lock()
		defer store.mu.Unlock()
	}
	store.insertCalls++
	if store.insertHook != nil {
		if err := store.insertHook(store.insertCalls, reviewID, candidates); err != nil {
			return 0, err
		}
	}

	st := store.state
	if r.v.locked {
		st = r.v.st
	}
	if _, ok := st.reviews[reviewID]; !ok {
		return 0, notFound("review", reviewID)
	}
	for _, c := range candidates {
		c = c.Normalized()
		st.nextStudyID++
		st.studies = append(st.studies, domain.Study{
			ID:         st.nextStudyID,
			ReviewID:   reviewID,
			ExternalID: c.ExternalID,
			Title:      c.Title,
			Authors:    c.Authors,
			Journal:    c.Journal,
			PubDate:    c.PubDate,
			Abstract:   c.Abstract,
			Status:     domain.StudyStatusIdentified,
		})
	}
	return len(candidates), nil
}

func (r studyRepo) ExternalIDs(_ context.Context, reviewID int64) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := r.v.do(func(st *state) error {
		for _, s := range st.studies {
			if s.ReviewID == reviewID && s.ExternalID != "" {
				ids[s.ExternalID] = struct{}{}
			}
		}
		return nil
	})
	return ids, err
}

func (r studyRepo) List(_ context.Context, reviewID int64, status *domain.StudyStatus) ([]domain.Study, error) {
	out := make([]domain.Study, 0)
	err := r.v.do(func(st *state) error {
		for _, s := range st.studies {
			if s.ReviewID != reviewID {
				continue
			}
			if status != nil && s.Status != *status {
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func (r studyRepo) find(st *state, id int64) (int, error) {
	for i := range st.studies {
		if st.studies[i].ID == id {
			return i, nil
		}
	}
	return -1, notFound("study", id)
}

func (r studyRepo) Get(_ context.Context, id int64) (*domain.Study, error) {
	var out *domain.Study
	err := r.v.do(func(st *state) error {
		i, err := r.find(st, id)
		if err != nil {
			return err
		}
		s := st.studies[i]
		out = &s
		return nil
	})
	return out, err
}

func (r studyRepo) UpdateStatus(_ context.Context, id int64, status domain.StudyStatus, notes string) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", fmt.Sprintf("unknown study status %q", status))
	}
	return r.v.do(func(st *state) error {
		i, err := r.find(st, id)
		if err != nil {
			return err
		}
		st.studies[i].Status = status
		switch status.NotesColumn() {
		case domain.NotesFieldScreening:
			st.studies[i].ScreeningNotes = notes
		case domain.NotesFieldEligibility:
			st.studies[i].EligibilityNotes = notes
		}
		return nil
	})
}

func (r studyRepo) MarkDuplicates(_ context.Context, ids []int64, note string) (int, error) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	n := 0
	err := r.v.do(func(st *state) error {
		for i := range st.studies {
			if _, ok := want[st.studies[i].ID]; ok && st.studies[i].Status == domain.StudyStatusIdentified {
				st.studies[i].Status = domain.StudyStatusScreenedExcluded
				st.studies[i].ScreeningNotes = note
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r studyRepo) CountByStatus(_ context.Context, reviewID int64) (map[domain.StudyStatus]int, error) {
	counts := make(map[domain.StudyStatus]int)
	err := r.v.do(func(st *state) error {
		for _, s := range st.studies {
			if s.ReviewID == reviewID {
				counts[s.Status]++
			}
		}
		return nil
	})
	return counts, err
}

func (r studyRepo) Count(ctx context.Context, reviewID int64, status domain.StudyStatus) (int, error) {
	counts, err := r.CountByStatus(ctx, reviewID)
	return counts[status], err
}

// LockReview only records the call. Transactions already run one at a time.
func (r studyRepo) LockReview(_ context.Context, reviewID int64) error {
	if !r.v.locked {
		r.v.store.mu.Lock()
		defer r.v.store.mu.Unlock()
	}
	r.v.store.lockCalls[reviewID]++
	return nil
}

// SetStudyStatus forces a study into status, bypassing every check. Tests use it to
// build data that the service itself would never produce.
func (s *Store) SetStudyStatus(id int64, status domain.StudyStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.studies {
		if s.state.studies[i].ID == id {
			s.state.studies[i].Status = status
		}
	}
}

// Dump renders the studies of a review one per line, for test failure messages.
func (s *Store) Dump(reviewID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, st := range s.state.studies {
		if st.ReviewID == reviewID {
			fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", st.ID, st.ExternalID, st.Status, st.Title)
		}
	}
	return b.String()
}
