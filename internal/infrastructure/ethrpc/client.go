package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"evmingest/internal/application"
	"evmingest/internal/domain"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

type Client struct {
	rpc *rpc.Client
	url string
}

type Config struct {
	// URL may be http(s) or ws(s). Head subscriptions need a websocket endpoint.
	URL string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	client, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{rpc: client, url: cfg.URL}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// BlockByNumber fetches the block with full transaction objects. A null result means the node has not seen the
// height yet.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (domain.Block, bool, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return domain.Block{}, false, err
	}
	var block *rpcBlock
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &block); err != nil {
			return domain.Block{}, false, fmt.Errorf("decode block %d: %w", number, err)
		}
	}
	if block == nil {
		return domain.Block{}, false, nil
	}

	txs := make([]domain.RawTransaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txs = append(txs, domain.RawTransaction{
			Hash:        tx.Hash,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			Gas:         tx.Gas,
			GasPrice:    tx.GasPrice,
			BlockNumber: tx.BlockNumber,
			Input:       tx.Input,
		})
	}
	return domain.Block{
		Height:       uint64(block.Number),
		Hash:         strings.ToLower(block.Hash),
		Timestamp:    uint64(block.Timestamp),
		Transactions: txs,
	}, true, nil
}

// SubscribeHeads opens a newHeads subscription. Endpoints without notification support return
// application.ErrHeadsUnsupported.
func (c *Client) SubscribeHeads(ctx context.Context) (application.HeadSubscription, error) {
	raw := make(chan rpcHead, 16)
	sub, err := c.rpc.EthSubscribe(ctx, raw, "newHeads")
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, application.ErrHeadsUnsupported
		}
		return nil, err
	}
	s := &headSubscription{
		sub:   sub,
		raw:   raw,
		heads: make(chan uint64, 16),
		quit:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

type rpcHead struct {
	Number hexutil.Uint64 `json:"number"`
}

// Quantities stay in their hex form; conversion owns their validation.
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         string           `json:"hash"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Gas         string `json:"gas"`
	GasPrice    string `json:"gasPrice"`
	BlockNumber string `json:"blockNumber"`
	Input       string `json:"input"`
}

type headSubscription struct {
	sub   *rpc.ClientSubscription
	raw   chan rpcHead
	heads chan uint64
	quit  chan struct{}
	once  sync.Once
}

func (s *headSubscription) loop() {
	for {
		select {
		case <-s.quit:
			return
		case head := <-s.raw:
			select {
			case s.heads <- uint64(head.Number):
			case <-s.quit:
				return
			}
		}
	}
}

func (s *headSubscription) Heads() <-chan uint64 {
	return s.heads
}

func (s *headSubscription) Err() <-chan error {
	return s.sub.Err()
}

func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.quit)
	})
}
