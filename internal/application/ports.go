package application

import (
	"context"
	"time"

	"evmingest/internal/domain"
)

type BlockSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	// BlockByNumber returns ok=false when the node does not serve the height yet.
	BlockByNumber(ctx context.Context, number uint64) (domain.Block, bool, error)
}

// HeadSubscriber is implemented by sources that can push new head heights.
type HeadSubscriber interface {
	SubscribeHeads(ctx context.Context) (HeadSubscription, error)
}

type HeadSubscription interface {
	Heads() <-chan uint64
	Err() <-chan error
	Unsubscribe()
}

type CheckpointStore interface {
	Checkpoint(ctx context.Context, key string) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, key string, position uint64) error
}

type TransactionSink interface {
	WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error)
}

// Observer receives pipeline counters and timers. A nil Observer is allowed everywhere.
type Observer interface {
	OnBlockProcessed(height uint64)
	OnTransactionsPersisted(count int)
	OnSubscriptionError()
	OnBlockProcessingError()
	OnPersistenceError()
	ObservePersistDuration(d time.Duration)
	OnStartPositionError()
	OnCheckpoint(position uint64)
	OnChainHead(height uint64)
}
