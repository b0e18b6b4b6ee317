package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"evmingest/internal/domain"
)

// ErrHeadsUnsupported is returned by a HeadSubscriber whose transport cannot push notifications.
var ErrHeadsUnsupported = errors.New("head subscription unsupported")

type FeedConfig struct {
	PollInterval time.Duration
	BufferSize   int
}

// ChainFeed streams blocks in strict height order. A stream first replays history up to the head observed at
// subscription time, then follows new heads. Heights are fetched one by one, so the handoff between the two phases
// can neither skip nor repeat a block.
type ChainFeed struct {
	source   BlockSource
	observer Observer
	cfg      FeedConfig
}

func NewChainFeed(source BlockSource, observer Observer, cfg FeedConfig) (*ChainFeed, error) {
	if source == nil {
		return nil, errors.New("feed source must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &ChainFeed{source: source, observer: observer, cfg: cfg}, nil
}

func (f *ChainFeed) LatestBlockNumber(ctx context.Context) (uint64, error) {
	head, err := f.source.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: latest block: %v", ErrTransport, err)
	}
	f.observer.OnChainHead(head)
	return head, nil
}

// StartPosition is the first height to stream when no checkpoint exists: the last lookback blocks up to the head.
// An unreachable node yields height 0 instead of an error, with ok false.
func (f *ChainFeed) StartPosition(ctx context.Context, lookback uint64) (position uint64, ok bool) {
	head, err := f.LatestBlockNumber(ctx)
	if err != nil {
		slog.Error("failed to retrieve the chain head, defaulting start to 0", "err", err)
		f.observer.OnStartPositionError()
		return 0, false
	}
	if head < lookback {
		return 0, true
	}
	return head - lookback + 1, true
}

// Stream is one live connection of the feed.
type Stream struct {
	blocks chan domain.Block
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Blocks is closed when the stream ends.
func (s *Stream) Blocks() <-chan domain.Block {
	return s.blocks
}

// Err waits for the stream to end and reports why. It is nil when the stream was closed or its context cancelled.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close stops the stream and waits for the delivery goroutine to release the connection.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (f *ChainFeed) Stream(ctx context.Context, from uint64) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	var heads HeadSubscription
	if subscriber, ok := f.source.(HeadSubscriber); ok {
		sub, err := subscriber.SubscribeHeads(ctx)
		switch {
		case err == nil:
			heads = sub
		case errors.Is(err, ErrHeadsUnsupported):
			slog.Debug("head subscription unsupported, polling", "interval", f.cfg.PollInterval)
		default:
			cancel()
			return nil, fmt.Errorf("%w: subscribe heads: %v", ErrTransport, err)
		}
	}

	// The snapshot is taken after subscribing so that no head is lost between the phases.
	head, err := f.LatestBlockNumber(ctx)
	if err != nil {
		if heads != nil {
			heads.Unsubscribe()
		}
		cancel()
		return nil, err
	}

	stream := &Stream{
		blocks: make(chan domain.Block, f.cfg.BufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	slog.Info("block stream opened", "from", from, "head", head, "push", heads != nil)

	go func() {
		err := f.follow(ctx, stream.blocks, from, head, heads)
		if heads != nil {
			heads.Unsubscribe()
		}
		if err != nil && ctx.Err() == nil {
			stream.err = err
		}
		close(stream.blocks)
		close(stream.done)
	}()
	return stream, nil
}

func (f *ChainFeed) follow(ctx context.Context, out chan<- domain.Block, next, head uint64, heads HeadSubscription) error {
	next, err := f.deliverRange(ctx, out, next, head)
	if err != nil {
		return err
	}

	var (
		headCh <-chan uint64
		errCh  <-chan error
		tick   <-chan time.Time
	)
	if heads != nil {
		headCh = heads.Heads()
		errCh = heads.Err()
	} else {
		ticker := time.NewTicker(f.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var target uint64
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("%w: head subscription: %v", ErrTransport, err)
		case h, ok := <-headCh:
			if !ok {
				return fmt.Errorf("%w: head subscription closed", ErrTransport)
			}
			target = h
			f.observer.OnChainHead(target)
		case <-tick:
			h, err := f.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}
			target = h
		}

		if target < next {
			continue
		}
		if next, err = f.deliverRange(ctx, out, next, target); err != nil {
			return err
		}
	}
}

func (f *ChainFeed) deliverRange(ctx context.Context, out chan<- domain.Block, next, to uint64) (uint64, error) {
	for ; next <= to; next++ {
		block, err := f.fetch(ctx, next)
		if err != nil {
			return next, err
		}
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case out <- block:
		}
	}
	return next, nil
}

func (f *ChainFeed) fetch(ctx context.Context, number uint64) (domain.Block, error) {
	for {
		block, ok, err := f.source.BlockByNumber(ctx, number)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Block{}, ctx.Err()
			}
			return domain.Block{}, fmt.Errorf("%w: block %d: %v", ErrTransport, number, err)
		}
		if ok {
			if block.Height != number {
				return domain.Block{}, fmt.Errorf("%w: requested block %d, node returned %d", ErrTransport, number, block.Height)
			}
			return block, nil
		}
		select {
		case <-ctx.Done():
			return domain.Block{}, ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}
