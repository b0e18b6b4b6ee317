package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evmingest/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

const defaultBatchSize = 100

type BatchConfig struct {
	Size int
	// WriteAttempts bounds how often one batch is offered to the sink. Values below 1 mean a single attempt.
	WriteAttempts int
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
}

// Batcher buffers transaction records and writes them to the sink in batches of at most Size.
type Batcher struct {
	sink     TransactionSink
	observer Observer
	cfg      BatchConfig
	records  []domain.TransactionRecord
}

func NewBatcher(sink TransactionSink, observer Observer, cfg BatchConfig) (*Batcher, error) {
	if sink == nil {
		return nil, errors.New("batcher sink must not be nil")
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultBatchSize
	}
	if cfg.WriteAttempts < 1 {
		cfg.WriteAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Batcher{
		sink:     sink,
		observer: observer,
		cfg:      cfg,
		records:  make([]domain.TransactionRecord, 0, cfg.Size),
	}, nil
}

// Offer appends a record and flushes once the buffer reaches the batch size.
func (b *Batcher) Offer(ctx context.Context, record domain.TransactionRecord) error {
	b.records = append(b.records, record)
	if len(b.records) < b.cfg.Size {
		return nil
	}
	return b.Flush(ctx)
}

// Flush writes whatever is buffered. The buffer is kept on failure so the caller decides between retry and Reset.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.records) == 0 {
		return nil
	}

	start := time.Now()
	written, err := b.write(ctx)
	b.observer.ObservePersistDuration(time.Since(start))
	if err != nil {
		b.observer.OnPersistenceError()
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return err
	}

	slog.Debug("flushed transaction batch",
		"count", len(b.records),
		"written", written,
		"duration", time.Since(start),
	)
	b.observer.OnTransactionsPersisted(len(b.records))
	b.Reset()
	return nil
}

func (b *Batcher) write(ctx context.Context) (int, error) {
	if b.cfg.WriteAttempts == 1 {
		return b.sink.WriteTransactions(ctx, b.records)
	}

	var written int
	operation := func() error {
		n, err := b.sink.WriteTransactions(ctx, b.records)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			slog.Warn("transaction batch write failed", "count", len(b.records), "err", err)
			return err
		}
		written = n
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.WriteAttempts-1)), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		return 0, err
	}
	return written, nil
}

func (b *Batcher) Len() int {
	return len(b.records)
}

func (b *Batcher) Reset() {
	clear(b.records)
	b.records = b.records[:0]
}
