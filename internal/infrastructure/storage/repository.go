package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evmingest/internal/application"
	"evmingest/internal/domain"
	"evmingest/internal/infrastructure/mysql"
	"evmingest/internal/infrastructure/postgres"
	"evmingest/internal/infrastructure/sqlite"
)

// Backend is a relational store that holds both transactions and checkpoints.
type Backend interface {
	application.TransactionSink
	application.CheckpointStore
	CountTransactions(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type Publisher interface {
	PublishTransactions(ctx context.Context, records []domain.TransactionRecord) error
}

// Open selects the backend by DSN scheme: postgres:// or postgresql://, mysql:// followed by a go-sql-driver DSN,
// sqlite:// followed by a path, or a file: URI.
func Open(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		repo, err := postgres.NewRepository(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case strings.HasPrefix(dsn, "mysql://"):
		repo, err := mysql.NewRepository(strings.TrimPrefix(dsn, "mysql://"))
		if err != nil {
			return nil, err
		}
		return repo, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		repo, err := sqlite.NewRepository(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return repo, nil
	case dsn == "":
		return nil, errors.New("db dsn is required")
	default:
		return nil, fmt.Errorf("unsupported db dsn scheme in %q", redact(dsn))
	}
}

// Repository is the sink the ingester writes to: a backend plus an optional publisher that receives every batch
// after it commits.
type Repository struct {
	backend   Backend
	publisher Publisher
}

func NewRepository(backend Backend, publisher Publisher) (*Repository, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	return &Repository{backend: backend, publisher: publisher}, nil
}

// WriteTransactions fails the batch when publishing fails. Rewriting a committed batch is a no-op, so the retry only
// repeats the publish.
func (r *Repository) WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	written, err := r.backend.WriteTransactions(ctx, records)
	if err != nil {
		return 0, err
	}
	if r.publisher != nil && len(records) > 0 {
		if err := r.publisher.PublishTransactions(ctx, records); err != nil {
			return written, fmt.Errorf("%w: publish transactions: %v", application.ErrStorage, err)
		}
	}
	return written, nil
}

func (r *Repository) Checkpoint(ctx context.Context, key string) (uint64, bool, error) {
	return r.backend.Checkpoint(ctx, key)
}

func (r *Repository) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	return r.backend.SetCheckpoint(ctx, key, position)
}

func (r *Repository) CountTransactions(ctx context.Context) (int64, error) {
	return r.backend.CountTransactions(ctx)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

func (r *Repository) Close() error {
	return r.backend.Close()
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return dsn
}
