package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"evmingest/internal/domain"
)

var errNodeDown = errors.New("node down")

func rawTxs(height uint64, count int) []domain.RawTransaction {
	txs := make([]domain.RawTransaction, 0, count)
	for i := 0; i < count; i++ {
		txs = append(txs, domain.RawTransaction{
			Hash:        fmt.Sprintf("0x%032x%032x", height, i),
			From:        "0x00000000000000000000000000000000000000aa",
			To:          "0x00000000000000000000000000000000000000bb",
			Value:       "0xde0b6b3a7640000",
			Gas:         "0x5208",
			GasPrice:    "0x3b9aca00",
			BlockNumber: fmt.Sprintf("0x%x", height),
		})
	}
	return txs
}

// fakeChain is an in-memory node. Blocks up to head are served; txCounts sets transactions per height.
type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	txCounts  map[uint64]int
	headErr   error
	blockErrs map[uint64]error
	// unserved makes a height report "not yet available" that many times before it is served.
	unserved map[uint64]int
	// onFetch runs before a height is served, outside the lock.
	onFetch func(number uint64)
	fetched []uint64
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:      head,
		txCounts:  make(map[uint64]int),
		blockErrs: make(map[uint64]error),
		unserved:  make(map[uint64]int),
	}
}

func (c *fakeChain) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number uint64) (domain.Block, bool, error) {
	c.mu.Lock()
	hook := c.onFetch
	c.mu.Unlock()
	if hook != nil {
		hook(number)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.blockErrs[number]; err != nil {
		return domain.Block{}, false, err
	}
	if number > c.head {
		return domain.Block{}, false, nil
	}
	if c.unserved[number] > 0 {
		c.unserved[number]--
		return domain.Block{}, false, nil
	}
	c.fetched = append(c.fetched, number)
	return domain.Block{
		Height:       number,
		Hash:         fmt.Sprintf("0x%064x", number),
		Timestamp:    1_700_000_000 + number,
		Transactions: rawTxs(number, c.txCounts[number]),
	}, true, nil
}

func (c *fakeChain) fetchedHeights() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.fetched...)
}

type fakeSubscription struct {
	heads    chan uint64
	errs     chan error
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		heads:   make(chan uint64, 16),
		errs:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (s *fakeSubscription) Heads() <-chan uint64 { return s.heads }
func (s *fakeSubscription) Err() <-chan error    { return s.errs }
func (s *fakeSubscription) Unsubscribe() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// pushChain adds a head subscription to fakeChain.
type pushChain struct {
	*fakeChain
	sub    *fakeSubscription
	subErr error
}

func (c *pushChain) SubscribeHeads(ctx context.Context) (HeadSubscription, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	return c.sub, nil
}

type fakeSink struct {
	mu      sync.Mutex
	written map[string]domain.TransactionRecord
	calls   [][]domain.TransactionRecord
	// failFor fails any batch containing a record of that height.
	failFor map[uint64]error
	// failures fails the next n calls regardless of content.
	failures int
	// beforeWrite runs outside the lock before each call; a write whose context is done then fails.
	beforeWrite func()
}

func newFakeSink() *fakeSink {
	return &fakeSink{written: make(map[string]domain.TransactionRecord), failFor: make(map[uint64]error)}
}

func (s *fakeSink) WriteTransactions(ctx context.Context, records []domain.TransactionRecord) (int, error) {
	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]domain.TransactionRecord(nil), records...))
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("connection reset")
	}
	for _, record := range records {
		if err := s.failFor[record.BlockHeight]; err != nil {
			return 0, err
		}
	}
	inserted := 0
	for _, record := range records {
		if _, ok := s.written[record.Hash]; ok {
			continue
		}
		s.written[record.Hash] = record
		inserted++
	}
	return inserted, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// callsFor returns the sizes of the write calls that carried records of the height.
func (s *fakeSink) callsFor(height uint64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sizes []int
	for _, call := range s.calls {
		for _, record := range call {
			if record.BlockHeight == height {
				sizes = append(sizes, len(call))
				break
			}
		}
	}
	return sizes
}

type fakeCheckpoints struct {
	mu        sync.Mutex
	positions map[string]uint64
	history   []uint64
	readErr   error
	writeErr  error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{positions: make(map[string]uint64)}
}

func (c *fakeCheckpoints) Checkpoint(ctx context.Context, key string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, false, c.readErr
	}
	position, ok := c.positions[key]
	return position, ok, nil
}

func (c *fakeCheckpoints) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.history = append(c.history, position)
	if current, ok := c.positions[key]; !ok || position > current {
		c.positions[key] = position
	}
	return nil
}

func (c *fakeCheckpoints) get(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	position, ok := c.positions[key]
	return position, ok
}

func (c *fakeCheckpoints) writes() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.history...)
}

type countingObserver struct {
	mu                sync.Mutex
	blocks            []uint64
	transactions      int
	subscriptionErrs  int
	blockErrs         int
	persistenceErrs   int
	startPositionErrs int
	persistTimings    int
	checkpoint        uint64
	head              uint64
}

func (o *countingObserver) OnBlockProcessed(height uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, height)
}

func (o *countingObserver) OnTransactionsPersisted(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transactions += count
}

func (o *countingObserver) OnSubscriptionError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscriptionErrs++
}

func (o *countingObserver) OnBlockProcessingError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blockErrs++
}

func (o *countingObserver) OnPersistenceError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistenceErrs++
}

func (o *countingObserver) ObservePersistDuration(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistTimings++
}

func (o *countingObserver) OnStartPositionError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startPositionErrs++
}

func (o *countingObserver) OnCheckpoint(position uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkpoint = position
}

func (o *countingObserver) OnChainHead(height uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.head = height
}

func (o *countingObserver) snapshot() countingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return countingObserver{
		blocks:            append([]uint64(nil), o.blocks...),
		transactions:      o.transactions,
		subscriptionErrs:  o.subscriptionErrs,
		blockErrs:         o.blockErrs,
		persistenceErrs:   o.persistenceErrs,
		startPositionErrs: o.startPositionErrs,
		persistTimings:    o.persistTimings,
		checkpoint:        o.checkpoint,
		head:              o.head,
	}
}
