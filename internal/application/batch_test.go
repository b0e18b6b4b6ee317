package application

import (
	"context"
	"errors"
	"testing"

	"evmingest/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordsFor(t *testing.T, height uint64, count int) []domain.TransactionRecord {
	t.Helper()
	records, err := ConvertBlock(domain.Block{Height: height, Timestamp: 1_700_000_000, Transactions: rawTxs(height, count)})
	require.NoError(t, err)
	return records
}

func TestBatcher_FlushesAtSizeThenRemainder(t *testing.T) {
	sink := newFakeSink()
	observer := &countingObserver{}
	batcher, err := NewBatcher(sink, observer, BatchConfig{Size: 100})
	require.NoError(t, err)
	ctx := context.Background()

	for _, record := range recordsFor(t, 102, 150) {
		require.NoError(t, batcher.Offer(ctx, record))
	}
	assert.Equal(t, 50, batcher.Len())
	assert.Equal(t, []int{100}, sink.callsFor(102))

	require.NoError(t, batcher.Flush(ctx))
	assert.Equal(t, 0, batcher.Len())
	assert.Equal(t, []int{100, 50}, sink.callsFor(102))
	assert.Equal(t, 150, sink.count())

	snap := observer.snapshot()
	assert.Equal(t, 150, snap.transactions)
	assert.Equal(t, 2, snap.persistTimings)
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	sink := newFakeSink()
	batcher, err := NewBatcher(sink, nil, BatchConfig{})
	require.NoError(t, err)

	require.NoError(t, batcher.Flush(context.Background()))
	assert.Empty(t, sink.calls)
}

func TestBatcher_FailureKeepsBufferAndWrapsStorage(t *testing.T) {
	sink := newFakeSink()
	sink.failures = 1
	observer := &countingObserver{}
	batcher, err := NewBatcher(sink, observer, BatchConfig{Size: 10})
	require.NoError(t, err)
	ctx := context.Background()

	for _, record := range recordsFor(t, 7, 3) {
		require.NoError(t, batcher.Offer(ctx, record))
	}
	err = batcher.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Equal(t, 3, batcher.Len())
	assert.Equal(t, 1, observer.snapshot().persistenceErrs)
	assert.Equal(t, 0, observer.snapshot().transactions)

	require.NoError(t, batcher.Flush(ctx))
	assert.Equal(t, 3, sink.count())

	batcher.Reset()
	assert.Equal(t, 0, batcher.Len())
}

func TestBatcher_RetriesWithinWriteAttempts(t *testing.T) {
	sink := newFakeSink()
	sink.failures = 2
	batcher, err := NewBatcher(sink, nil, BatchConfig{Size: 10, WriteAttempts: 3, RetryInterval: 1})
	require.NoError(t, err)
	ctx := context.Background()

	for _, record := range recordsFor(t, 9, 4) {
		require.NoError(t, batcher.Offer(ctx, record))
	}
	require.NoError(t, batcher.Flush(ctx))
	assert.Len(t, sink.calls, 3)
	assert.Equal(t, 4, sink.count())
}

func TestBatcher_GivesUpAfterWriteAttempts(t *testing.T) {
	sink := newFakeSink()
	sink.failures = 5
	batcher, err := NewBatcher(sink, nil, BatchConfig{Size: 10, WriteAttempts: 2, RetryInterval: 1})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, batcher.Offer(ctx, recordsFor(t, 3, 1)[0]))
	err = batcher.Flush(ctx)
	require.ErrorIs(t, err, ErrStorage)
	assert.Len(t, sink.calls, 2)
}

func TestNewBatcher_RequiresSink(t *testing.T) {
	_, err := NewBatcher(nil, nil, BatchConfig{})
	require.Error(t, err)
}
