// Package repository provides data access interfaces and implementations
// for the PRISMA Review Service.
//
// # Overview
//
// This package defines repository interfaces and their PostgreSQL implementations
// following the repository pattern to abstract data persistence from business logic.
//
// # Repository Interfaces
//
//   - ReviewRepository: Manages systematic review projects
//   - StudyRepository: Manages candidate studies and their PRISMA status
//
// # Thread Safety
//
// All repository implementations are safe for concurrent use by multiple goroutines.
// The underlying pgxpool handles connection pooling and synchronization.
//
// # Error Handling
//
// Methods return typed errors from the domain package:
//
//   - domain.ErrNotFound: Resource does not exist
//   - domain.ErrInvalidInput: Invalid parameters provided
//
// Database errors are wrapped with context using fmt.Errorf with %w and are never
// reported as an empty result.
//
// # Transactions
//
// Repositories accept the DBTX interface so they run against either the pool or a
// transaction. TxRunner hands a transaction-bound Store to a callback:
//
//	runner := repository.NewPgTxRunner(db, logger)
//	err := runner.InTx(ctx, func(s repository.Store) error {
//	    _, err := s.Studies.InsertBatch(ctx, reviewID, candidates)
//	    return err
//	})
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// PostgreSQL error codes used for constraint violation detection.
const (
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// Store groups the repositories bound to one DBTX.
type Store struct {
	Reviews ReviewRepository
	Studies StudyRepository
}

// NewStore creates PostgreSQL repositories that share db.
func NewStore(db DBTX) Store {
	return Store{
		Reviews: NewPgReviewRepository(db),
		Studies: NewPgStudyRepository(db),
	}
}

// TxRunner runs a callback against repositories bound to a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(s Store) error) error

	// InSnapshot runs fn in a read-only transaction over one consistent snapshot.
	InSnapshot(ctx context.Context, fn func(s Store) error) error
}

// Compile-time interface verification.
var _ TxRunner = (*PgTxRunner)(nil)

// PgTxRunner is the PostgreSQL TxRunner.
type PgTxRunner struct {
	db     database.TxBeginner
	logger zerolog.Logger
}

// NewPgTxRunner creates a transaction runner on db.
func NewPgTxRunner(db database.TxBeginner, logger zerolog.Logger) *PgTxRunner {
	return &PgTxRunner{db: db, logger: logger}
}

// InTx implements TxRunner.
func (r *PgTxRunner) InTx(ctx context.Context, fn func(s Store) error) error {
	return database.RunInTx(ctx, r.db, pgx.TxOptions{}, r.logger, func(tx pgx.Tx) error {
		return fn(NewStore(tx))
	})
}

// InSnapshot implements TxRunner.
func (r *PgTxRunner) InSnapshot(ctx context.Context, fn func(s Store) error) error {
	return database.RunInTx(ctx, r.db, database.SnapshotTxOptions, r.logger, func(tx pgx.Tx) error {
		return fn(NewStore(tx))
	})
}

func isPgForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	return false
}
