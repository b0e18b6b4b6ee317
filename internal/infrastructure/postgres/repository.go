package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"evmingest/internal/application"
	"evmingest/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Repository persists transactions and checkpoints in Postgres. Quantities use NUMERIC(78,0), wide enough for any
// 256-bit value.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, connStr string) (*Repository, error) {
	if connStr == "" {
		return nil, errors.New("db dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := createSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			hash TEXT PRIMARY KEY,
			from_address TEXT NOT NULL,
			to_address TEXT NULL,
			value NUMERIC(78,0) NOT NULL,
			gas NUMERIC(78,0) NOT NULL,
			gas_price NUMERIC(78,0) NOT NULL,
			block_height BIGINT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			input_data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_block_idx ON transactions (block_height)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			stream_key TEXT PRIMARY KEY,
			position NUMERIC(20,0) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const insertTransaction = `INSERT INTO transactions (hash, from_address, to_address, value, gas, gas_price, block_height, observed_at, input_data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (hash) DO NOTHING`

// WriteTransactions sends the batch in one round trip inside a transaction and counts only new rows.
func (r *Repository) WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, span := startDBSpan(ctx, "postgres.WriteTransactions", attribute.Int("tx.count", len(records)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	written, err := r.writeTransactions(ctx, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, storageError("write transactions", err)
	}
	span.SetAttributes(attribute.Int("tx.written", written))
	return written, nil
}

func (r *Repository) writeTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, record := range records {
		var toAddr *string
		if record.ToAddress != "" {
			to := record.ToAddress
			toAddr = &to
		}
		batch.Queue(insertTransaction,
			record.Hash,
			record.FromAddress,
			toAddr,
			numeric(record.Value),
			numeric(record.Gas),
			numeric(record.GasPrice),
			int64(record.BlockHeight),
			record.ObservedAt.UTC(),
			record.InputData,
		)
	}

	results := tx.SendBatch(ctx, batch)
	written := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, err
		}
		written += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Repository) CountTransactions(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, storageError("count transactions", err)
	}
	return count, nil
}

func (r *Repository) Checkpoint(ctx context.Context, key string) (uint64, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT position::text FROM checkpoints WHERE stream_key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, storageError("read checkpoint", err)
	}
	position, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, storageError("parse checkpoint", err)
	}
	return position, true, nil
}

// SetCheckpoint is a single upsert that never lowers the stored position.
func (r *Repository) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	ctx, span := startDBSpan(ctx, "postgres.SetCheckpoint",
		attribute.String("checkpoint.key", key),
		attribute.Int64("block.number", int64(position)),
	)
	defer span.End()
	_, err := r.pool.Exec(ctx, `INSERT INTO checkpoints (stream_key, position) VALUES ($1, $2)
		ON CONFLICT (stream_key) DO UPDATE
		SET position = GREATEST(checkpoints.position, EXCLUDED.position), updated_at = NOW()`,
		key, numeric(new(big.Int).SetUint64(position)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storageError("write checkpoint", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func numeric(value *big.Int) pgtype.Numeric {
	if value == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: value, Valid: true}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", application.ErrStorage, op, err)
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return otel.Tracer("evmingest/postgres").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
