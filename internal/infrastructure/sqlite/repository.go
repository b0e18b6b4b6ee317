package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"evmingest/internal/application"
	"evmingest/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps writers serialized and in-memory databases shared.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			hash TEXT PRIMARY KEY,
			from_address TEXT NOT NULL,
			to_address TEXT NULL,
			value TEXT NOT NULL,
			gas TEXT NOT NULL,
			gas_price TEXT NOT NULL,
			block_height INTEGER NOT NULL,
			observed_at TEXT NOT NULL,
			input_data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_block_idx ON transactions (block_height)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key TEXT PRIMARY KEY,
			state_value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// WriteTransactions inserts the batch in one transaction. Hashes already stored are skipped and not counted.
func (r *Repository) WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, span := startDBSpan(ctx, "sqlite.WriteTransactions", attribute.Int("tx.count", len(records)))
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (hash, from_address, to_address, value, gas, gas_price, block_height, observed_at, input_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, record := range records {
		var toAddr any
		if record.ToAddress != "" {
			toAddr = record.ToAddress
		}
		result, err := stmt.ExecContext(ctx,
			record.Hash,
			record.FromAddress,
			toAddr,
			decimal(record.Value),
			decimal(record.Gas),
			decimal(record.GasPrice),
			int64(record.BlockHeight),
			record.ObservedAt.UTC().Format(time.RFC3339),
			record.InputData,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		written += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Repository) CountTransactions(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, storageError("count transactions", err)
	}
	return count, nil
}

func (r *Repository) Checkpoint(ctx context.Context, key string) (uint64, bool, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

// SetCheckpoint upserts the position unless a higher one is stored. Values are zero padded so that text order is
// numeric order.
func (r *Repository) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	ctx, span := startDBSpan(ctx, "sqlite.SetCheckpoint",
		attribute.String("checkpoint.key", key),
		attribute.Int64("block.number", int64(position)),
	)
	defer span.End()
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value
		WHERE excluded.state_value > state.state_value`, key, encodePosition(position))
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
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func encodePosition(position uint64) string {
	return fmt.Sprintf("%020d", position)
}

func decimal(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %v", application.ErrStorage, op, err)
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "sqlite"))
	return otel.Tracer("evmingest/sqlite").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
