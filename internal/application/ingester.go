package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"evmingest/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	StateInit State = iota
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Feed is the block stream the ingester drives. ChainFeed implements it.
type Feed interface {
	Stream(ctx context.Context, from uint64) (*Stream, error)
	StartPosition(ctx context.Context, lookback uint64) (position uint64, ok bool)
}

// shutdownWriteGrace bounds how long the writes of the block in flight may outlive cancellation.
const shutdownWriteGrace = 5 * time.Second

type IngesterConfig struct {
	CheckpointKey string
	BatchSize     int
	WriteAttempts int
	RetryInterval time.Duration
	// Lookback is how many recent blocks are replayed when no checkpoint exists.
	Lookback uint64
	// Resubscribe reopens a failed stream from the checkpoint instead of stopping the run.
	Resubscribe            bool
	ResubscribeMaxInterval time.Duration
}

// Ingester drives blocks from the feed through conversion and batching into the sink and advances the checkpoint
// once a block is durably written.
type Ingester struct {
	feed        Feed
	checkpoints CheckpointStore
	batcher     *Batcher
	observer    Observer
	cfg         IngesterConfig
	tracer      trace.Tracer
	state       atomic.Int32

	// position is the last checkpoint written in this run, valid when committed is true.
	position  uint64
	committed bool
	// held stops checkpoint advances after a block failed, so a restart re-processes that block.
	held bool
	// unresolved marks a start position that fell back to 0 because the chain head was unreachable.
	unresolved bool
}

func NewIngester(feed Feed, checkpoints CheckpointStore, sink TransactionSink, observer Observer, cfg IngesterConfig) (*Ingester, error) {
	if feed == nil || checkpoints == nil || sink == nil {
		return nil, errors.New("ingester dependencies must not be nil")
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = domain.DefaultCheckpointKey
	}
	if cfg.ResubscribeMaxInterval <= 0 {
		cfg.ResubscribeMaxInterval = time.Minute
	}
	if observer == nil {
		observer = nopObserver{}
	}
	batcher, err := NewBatcher(sink, observer, BatchConfig{
		Size:          cfg.BatchSize,
		WriteAttempts: cfg.WriteAttempts,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, err
	}
	return &Ingester{
		feed:        feed,
		checkpoints: checkpoints,
		batcher:     batcher,
		observer:    observer,
		cfg:         cfg,
		tracer:      otel.Tracer("evmingest/application"),
	}, nil
}

func (i *Ingester) State() State {
	return State(i.state.Load())
}

func (i *Ingester) setState(s State) {
	if prev := State(i.state.Swap(int32(s))); prev != s {
		slog.Info("ingester state changed", "from", prev, "to", s)
	}
}

// Run streams until ctx is cancelled, which returns nil, or until the feed fails. A feed failure is returned wrapped
// in ErrTransport unless Resubscribe is set.
func (i *Ingester) Run(ctx context.Context) error {
	i.setState(StateInit)
	from, err := i.resolveStart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		i.setState(StateFailed)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = i.cfg.ResubscribeMaxInterval
	policy.InitialInterval = min(policy.InitialInterval, policy.MaxInterval)
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		var delivered int
		if i.unresolved && i.cfg.Resubscribe {
			// Streaming from the fallback would replay the chain from genesis once the node is back.
			err = fmt.Errorf("%w: chain head unavailable for start position", ErrTransport)
		} else {
			delivered, err = i.stream(ctx, from)
		}
		if ctx.Err() != nil {
			slog.Info("ingester stopped", "checkpoint", i.position, "committed", i.committed)
			return nil
		}
		slog.Error("block stream failed", "from", from, "err", err)
		i.observer.OnSubscriptionError()
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if !i.cfg.Resubscribe {
			i.setState(StateFailed)
			return err
		}

		if delivered > 0 {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		slog.Warn("resubscribing to block stream", "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		from = i.resumePosition(ctx, from)
		// Blocks before the resume position are committed, everything after it is replayed.
		i.held = false
	}
}

func (i *Ingester) resolveStart(ctx context.Context) (uint64, error) {
	position, ok, err := i.checkpoints.Checkpoint(ctx, i.cfg.CheckpointKey)
	if err != nil {
		if !errors.Is(err, ErrStorage) {
			err = fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return 0, fmt.Errorf("read checkpoint %q: %w", i.cfg.CheckpointKey, err)
	}
	if ok {
		i.position, i.committed = position, true
		i.observer.OnCheckpoint(position)
		slog.Info("resuming from checkpoint", "key", i.cfg.CheckpointKey, "checkpoint", position)
		return position + 1, nil
	}
	from, ok := i.feed.StartPosition(ctx, i.cfg.Lookback)
	i.unresolved = !ok
	slog.Info("no checkpoint found, starting from recent history", "key", i.cfg.CheckpointKey, "from", from, "lookback", i.cfg.Lookback)
	return from, nil
}

func (i *Ingester) resumePosition(ctx context.Context, start uint64) uint64 {
	if i.committed {
		return i.position + 1
	}
	if i.unresolved {
		from, ok := i.feed.StartPosition(ctx, i.cfg.Lookback)
		i.unresolved = !ok
		if ok {
			slog.Info("start position resolved", "from", from, "lookback", i.cfg.Lookback)
		}
		return from
	}
	return start
}

// stream consumes one feed connection and reports how many blocks it delivered.
func (i *Ingester) stream(ctx context.Context, from uint64) (int, error) {
	stream, err := i.feed.Stream(ctx, from)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	i.setState(StateStreaming)

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case block, ok := <-stream.Blocks():
			if !ok {
				if err := stream.Err(); err != nil {
					return delivered, err
				}
				return delivered, fmt.Errorf("%w: block stream ended", ErrTransport)
			}
			delivered++
			i.handleBlock(ctx, block)
		}
	}
}

func (i *Ingester) handleBlock(ctx context.Context, block domain.Block) {
	writeCtx, cancel := graceAfterCancel(ctx, shutdownWriteGrace)
	defer cancel()

	if err := i.processBlock(writeCtx, block); err != nil {
		if ctx.Err() != nil {
			return
		}
		if !i.held {
			slog.Warn("holding checkpoint below failed block", "block", block.Height, "checkpoint", i.position)
		}
		i.held = true
		slog.Error("failed to process block", "block", block.Height, "txs", len(block.Transactions), "err", err)
		i.observer.OnBlockProcessingError()
		return
	}
	i.observer.OnBlockProcessed(block.Height)

	if i.held {
		return
	}
	if i.committed && block.Height <= i.position {
		return
	}
	if err := i.checkpoints.SetCheckpoint(writeCtx, i.cfg.CheckpointKey, block.Height); err != nil {
		slog.Error("failed to advance checkpoint", "block", block.Height, "err", err)
		i.observer.OnPersistenceError()
		return
	}
	i.position, i.committed = block.Height, true
	i.observer.OnCheckpoint(block.Height)
}

func (i *Ingester) processBlock(ctx context.Context, block domain.Block) (err error) {
	ctx, span := i.tracer.Start(ctx, "ingest.block", trace.WithAttributes(
		attribute.Int64("block.height", int64(block.Height)),
		attribute.Int("block.txs", len(block.Transactions)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	records, err := ConvertBlock(block)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := i.batcher.Offer(ctx, record); err != nil {
			i.batcher.Reset()
			return err
		}
	}
	if err := i.batcher.Flush(ctx); err != nil {
		i.batcher.Reset()
		return err
	}
	slog.Debug("processed block", "block", block.Height, "txs", len(records))
	return nil
}

// graceAfterCancel returns a context that stays live for grace after ctx is cancelled, so a block that is already
// being written can still flush and checkpoint during shutdown.
func graceAfterCancel(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(grace, cancel)
	})
	return detached, func() {
		stop()
		cancel()
	}
}
