package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/prisma-review-service/internal/domain"
)

var studyRowColumns = []string{
	"id", "review_id", "pmid", "title", "authors", "journal", "pub_date", "abstract",
	"status", "screening_notes", "eligibility_notes", "data_extracted",
}

func addStudyRow(rows *pgxmock.Rows, id int64, pmid string, status domain.StudyStatus) *pgxmock.Rows {
	return rows.AddRow(id, int64(1), pmid, "Title "+pmid, "Doe J", "BMJ", "2021", "Abstract",
		status, "", "", "")
}

// anyInsertArgs matches the eight values queued for one study insert.
func anyInsertArgs() []interface{} {
	args := make([]interface{}, 8)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPgStudyRepository_InsertBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("queues one insert per candidate and applies placeholder title", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgStudyRepository(mock)
		candidates := []domain.Candidate{
			{ExternalID: "111", Title: "Aspirin", Authors: "Smith A", Journal: "Lancet", PubDate: "2020", Abstract: "a"},
			{ExternalID: " 222 ", Title: ""},
		}

		eb := mock.ExpectBatch()
		eb.ExpectExec("INSERT INTO prisma_studies").
			WithArgs(int64(1), "111", "Aspirin", "Smith A", "Lancet", "2020", "a", domain.StudyStatusIdentified).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		eb.ExpectExec("INSERT INTO prisma_studies").
			WithArgs(int64(1), "222", domain.PlaceholderTitle, "", "", "", "", domain.StudyStatusIdentified).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		n, err := repo.InsertBatch(ctx, 1, candidates)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, "", candidates[1].Title, "caller's slice must not be modified")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		n, err := NewPgStudyRepository(mock).InsertBatch(ctx, 1, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign key violation means the review does not exist", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgStudyRepository(mock)

		eb := mock.ExpectBatch()
		eb.ExpectExec("INSERT INTO prisma_studies").
			WithArgs(anyInsertArgs()...).
			WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

		_, err = repo.InsertBatch(ctx, 99, []domain.Candidate{{Title: "x"}})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other insert errors are wrapped with the index", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgStudyRepository(mock)

		eb := mock.ExpectBatch()
		eb.ExpectExec("INSERT INTO prisma_studies").
			WithArgs(anyInsertArgs()...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		eb.ExpectExec("INSERT INTO prisma_studies").
			WithArgs(anyInsertArgs()...).
			WillReturnError(errors.New("disk full"))

		n, err := repo.InsertBatch(ctx, 1, []domain.Candidate{{Title: "a"}, {Title: "b"}})
		require.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, err.Error(), "index 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgStudyRepository_ExternalIDs(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStudyRepository(mock)

	mock.ExpectQuery("SELECT DISTINCT pmid FROM prisma_studies WHERE review_id = \\$1 AND pmid <> ''").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"pmid"}).AddRow("111").AddRow("222"))

	ids, err := repo.ExternalIDs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "111")
	assert.Contains(t, ids, "222")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStudyRepository_List(t *testing.T) {
	ctx := context.Background()

	t.Run("all statuses in id order", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		rows := pgxmock.NewRows(studyRowColumns)
		addStudyRow(rows, 1, "111", domain.StudyStatusIdentified)
		addStudyRow(rows, 2, "", domain.StudyStatusEligible)

		mock.ExpectQuery("SELECT .* FROM prisma_studies WHERE review_id = \\$1 ORDER BY id ASC").
			WithArgs(int64(1)).
			WillReturnRows(rows)

		studies, err := NewPgStudyRepository(mock).List(ctx, 1, nil)
		require.NoError(t, err)
		require.Len(t, studies, 2)
		assert.Equal(t, "111", studies[0].ExternalID)
		assert.Equal(t, domain.StudyStatusEligible, studies[1].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("filtered by status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		status := domain.StudyStatusIdentified
		mock.ExpectQuery("SELECT .* FROM prisma_studies WHERE review_id = \\$1 AND status = \\$2 ORDER BY id ASC").
			WithArgs(int64(1), status).
			WillReturnRows(pgxmock.NewRows(studyRowColumns))

		studies, err := NewPgStudyRepository(mock).List(ctx, 1, &status)
		require.NoError(t, err)
		assert.Empty(t, studies)
		assert.NotNil(t, studies)
	})
}

func TestPgStudyRepository_Get(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .* FROM prisma_studies WHERE id = \\$1").
		WithArgs(int64(77)).
		WillReturnError(pgx.ErrNoRows)

	study, err := NewPgStudyRepository(mock).Get(ctx, 77)
	assert.Nil(t, study)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPgStudyRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status domain.StudyStatus
		query  string
		args   []interface{}
	}{
		{
			name:   "screening decision writes screening notes",
			status: domain.StudyStatusScreenedExcluded,
			query:  "UPDATE prisma_studies SET status = \\$1, screening_notes = \\$2 WHERE id = \\$3",
			args:   []interface{}{domain.StudyStatusScreenedExcluded, "off topic", int64(5)},
		},
		{
			name:   "eligibility decision writes eligibility notes",
			status: domain.StudyStatusNotEligible,
			query:  "UPDATE prisma_studies SET status = \\$1, eligibility_notes = \\$2 WHERE id = \\$3",
			args:   []interface{}{domain.StudyStatusNotEligible, "off topic", int64(5)},
		},
		{
			name:   "inclusion ignores notes",
			status: domain.StudyStatusIncluded,
			query:  "UPDATE prisma_studies SET status = \\$1 WHERE id = \\$2",
			args:   []interface{}{domain.StudyStatusIncluded, int64(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectExec(tt.query).
				WithArgs(tt.args...).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))

			require.NoError(t, NewPgStudyRepository(mock).UpdateStatus(ctx, 5, tt.status, "off topic"))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("missing study", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("UPDATE prisma_studies").
			WithArgs(domain.StudyStatusIncluded, int64(404)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = NewPgStudyRepository(mock).UpdateStatus(ctx, 404, domain.StudyStatusIncluded, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		err = NewPgStudyRepository(mock).UpdateStatus(ctx, 5, domain.StudyStatus("maybe"), "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestPgStudyRepository_MarkDuplicates(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStudyRepository(mock)

	mock.ExpectExec("UPDATE prisma_studies SET status = \\$1, screening_notes = \\$2 WHERE id = ANY\\(\\$3\\) AND status = \\$4").
		WithArgs(domain.StudyStatusScreenedExcluded, domain.DuplicateNote, []int64{4, 6}, domain.StudyStatusIdentified).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.MarkDuplicates(ctx, []int64{4, 6}, domain.DuplicateNote)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.MarkDuplicates(ctx, nil, domain.DuplicateNote)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStudyRepository_Counts(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStudyRepository(mock)

	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM prisma_studies WHERE review_id = \\$1 GROUP BY status").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(domain.StudyStatusIdentified, int64(4)).
			AddRow(domain.StudyStatusIncluded, int64(1)))

	counts, err := repo.CountByStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[domain.StudyStatus]int{
		domain.StudyStatusIdentified: 4,
		domain.StudyStatusIncluded:   1,
	}, counts)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM prisma_studies WHERE review_id = \\$1 AND status = \\$2").
		WithArgs(int64(1), domain.StudyStatusEligible).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	n, err := repo.Count(ctx, 1, domain.StudyStatusEligible)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStudyRepository_LockReview(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(int64(12)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, NewPgStudyRepository(mock).LockReview(ctx, 12))
	assert.NoError(t, mock.ExpectationsWereMet())
}
