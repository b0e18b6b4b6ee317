package mysql

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

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Repository struct {
	db *sql.DB
}

// NewRepository expects a go-sql-driver DSN such as user:pass@tcp(host:3306)/evmingest.
func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	dsn, err := sessionDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// sessionDSN pins the session settings the writes depend on: affected rows must exclude unchanged duplicates,
// and oversized values must fail instead of being truncated. An explicit sql_mode in the DSN wins.
func sessionDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = false
	if _, ok := cfg.Params["sql_mode"]; !ok {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["sql_mode"] = "'TRADITIONAL'"
	}
	return cfg.FormatDSN(), nil
}

// DECIMAL tops out at 65 digits, so 256-bit quantities are kept as decimal strings.
func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			hash VARCHAR(66) NOT NULL,
			from_address VARCHAR(42) NOT NULL,
			to_address VARCHAR(42) NULL,
			value VARCHAR(78) NOT NULL,
			gas VARCHAR(78) NOT NULL,
			gas_price VARCHAR(78) NOT NULL,
			block_height BIGINT UNSIGNED NOT NULL,
			observed_at DATETIME NOT NULL,
			input_data LONGTEXT NOT NULL,
			PRIMARY KEY (hash),
			KEY transactions_block_idx (block_height),
			KEY transactions_from_idx (from_address),
			KEY transactions_to_idx (to_address)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key VARCHAR(64) NOT NULL,
			state_value VARCHAR(64) NOT NULL,
			PRIMARY KEY (state_key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// insertTransaction skips rows whose hash is already stored and still fails on any other error. Without
// CLIENT_FOUND_ROWS an unchanged duplicate reports zero affected rows.
const insertTransaction = `INSERT INTO transactions (hash, from_address, to_address, value, gas, gas_price, block_height, observed_at, input_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE hash = hash`

func (r *Repository) WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, span := startDBSpan(ctx, "mysql.WriteTransactions", attribute.Int("tx.count", len(records)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, storageError("begin", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertTransaction)
	if err != nil {
		_ = tx.Rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, storageError("prepare", err)
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
			record.BlockHeight,
			record.ObservedAt.UTC(),
			record.InputData,
		)
		if err != nil {
			_ = tx.Rollback()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, storageError("insert transaction", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, storageError("rows affected", err)
		}
		written += int(affected)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, storageError("commit", err)
	}
	span.SetAttributes(attribute.Int("tx.written", written))
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

// SetCheckpoint never lowers a stored position. Zero padding makes GREATEST on the string column numeric.
func (r *Repository) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.SetCheckpoint",
		attribute.String("checkpoint.key", key),
		attribute.Int64("block.number", int64(position)),
	)
	defer span.End()
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = GREATEST(state_value, VALUES(state_value))`, key, fmt.Sprintf("%020d", position))
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

func decimal(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: mysql %s: %v", application.ErrStorage, op, err)
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("evmingest/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
