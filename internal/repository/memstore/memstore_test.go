package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/repository"
)

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Repos().Reviews.Create(ctx, domain.NewReview{Owner: "u", Title: "t", Question: "q"})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx repository.Store) error {
		_, err := tx.Studies.InsertBatch(ctx, id, []domain.Candidate{{ExternalID: "1", Title: "a"}})
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	studies, err := s.Repos().Studies.List(ctx, id, nil)
	require.NoError(t, err)
	assert.Empty(t, studies, s.Dump(id))
}

func TestStore_InsertHook(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Repos().Reviews.Create(ctx, domain.NewReview{Owner: "u", Title: "t", Question: "q"})
	require.NoError(t, err)

	s.OnInsert(func(call int, _ int64, _ []domain.Candidate) error {
		if call == 2 {
			return errors.New("constraint violation")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		_ = s.InTx(ctx, func(tx repository.Store) error {
			_, err := tx.Studies.InsertBatch(ctx, id, []domain.Candidate{{Title: "x"}})
			return err
		})
	}

	n, err := s.Repos().Studies.Count(ctx, id, domain.StudyStatusIdentified)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, s.InsertCalls())
}

func TestStore_SnapshotDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Repos().Reviews.Create(ctx, domain.NewReview{Owner: "u", Title: "t", Question: "q"})
	require.NoError(t, err)

	require.NoError(t, s.InSnapshot(ctx, func(tx repository.Store) error {
		return tx.Reviews.UpdateStatus(ctx, id, domain.ReviewStatusCompleted)
	}))

	review, err := s.Repos().Reviews.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusIdentification, review.Status)
}

func TestStore_MarkDuplicatesOnlyTouchesIdentified(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Repos().Reviews.Create(ctx, domain.NewReview{Owner: "u", Title: "t", Question: "q"})
	require.NoError(t, err)
	_, err = s.Repos().Studies.InsertBatch(ctx, id, []domain.Candidate{{Title: "a"}, {Title: "a"}})
	require.NoError(t, err)
	require.NoError(t, s.Repos().Studies.UpdateStatus(ctx, 1, domain.StudyStatusScreenedIncluded, "keep"))

	n, err := s.Repos().Studies.MarkDuplicates(ctx, []int64{1, 2}, domain.DuplicateNote)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kept, err := s.Repos().Studies.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StudyStatusScreenedIncluded, kept.Status)
	assert.Equal(t, "keep", kept.ScreeningNotes)
}
