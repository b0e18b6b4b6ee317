package ethrpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evmingest/internal/application"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeService answers the eth namespace from fixed data.
type nodeService struct {
	head   uint64
	blocks map[uint64]map[string]any
	heads  []uint64
}

func (s *nodeService) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(s.head)
}

func (s *nodeService) GetBlockByNumber(number hexutil.Uint64, full bool) (map[string]any, error) {
	if !full {
		return nil, errors.New("full transactions expected")
	}
	return s.blocks[uint64(number)], nil
}

func (s *nodeService) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	go func() {
		for _, head := range s.heads {
			_ = notifier.Notify(sub.ID, map[string]any{"number": hexutil.Uint64(head)})
		}
	}()
	return sub, nil
}

func newNode(t *testing.T, service *nodeService) *rpc.Server {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", service))
	t.Cleanup(server.Stop)
	return server
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func sampleBlock() map[string]any {
	return map[string]any{
		"number":    "0x3e8",
		"hash":      "0xABC0000000000000000000000000000000000000000000000000000000000001",
		"timestamp": "0x6553f100",
		"transactions": []map[string]any{
			{
				"hash":        "0x01",
				"from":        "0x00000000000000000000000000000000000000aa",
				"to":          "0x00000000000000000000000000000000000000bb",
				"value":       "0xde0b6b3a7640000",
				"gas":         "0x5208",
				"gasPrice":    "0x3b9aca00",
				"blockNumber": "0x3e8",
				"input":       "0x",
			},
			{
				"hash":        "0x02",
				"from":        "0x00000000000000000000000000000000000000aa",
				"to":          nil,
				"value":       "0x0",
				"gas":         "0x30d40",
				"gasPrice":    "0x3b9aca00",
				"blockNumber": "0x3e8",
				"input":       "0x6080",
			},
		},
	}
}

func TestClient_LatestBlockNumber(t *testing.T) {
	srv := httptest.NewServer(newNode(t, &nodeService{head: 0x10d4f}))
	defer srv.Close()

	head, err := dial(t, srv.URL).LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10d4f), head)
}

func TestClient_BlockByNumber(t *testing.T) {
	srv := httptest.NewServer(newNode(t, &nodeService{blocks: map[uint64]map[string]any{1000: sampleBlock()}}))
	defer srv.Close()
	client := dial(t, srv.URL)

	block, ok, err := client.BlockByNumber(context.Background(), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), block.Height)
	assert.Equal(t, "0xabc0000000000000000000000000000000000000000000000000000000000001", block.Hash)
	assert.Equal(t, uint64(0x6553f100), block.Timestamp)
	require.Len(t, block.Transactions, 2)
	assert.Equal(t, "0xde0b6b3a7640000", block.Transactions[0].Value)
	assert.Equal(t, "0x3e8", block.Transactions[0].BlockNumber)
	assert.Empty(t, block.Transactions[1].To)
	assert.Equal(t, "0x6080", block.Transactions[1].Input)

	records, err := application.ConvertBlock(block)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestClient_BlockNotYetAvailable(t *testing.T) {
	srv := httptest.NewServer(newNode(t, &nodeService{}))
	defer srv.Close()

	_, ok, err := dial(t, srv.URL).BlockByNumber(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_HTTPHasNoHeadSubscription(t *testing.T) {
	srv := httptest.NewServer(newNode(t, &nodeService{}))
	defer srv.Close()

	_, err := dial(t, srv.URL).SubscribeHeads(context.Background())
	require.ErrorIs(t, err, application.ErrHeadsUnsupported)
}

func TestClient_WebsocketHeads(t *testing.T) {
	server := newNode(t, &nodeService{heads: []uint64{7, 8}})
	srv := httptest.NewServer(server.WebsocketHandler([]string{"*"}))
	defer srv.Close()
	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	sub, err := client.SubscribeHeads(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var heads []uint64
	timeout := time.After(5 * time.Second)
	for len(heads) < 2 {
		select {
		case head := <-sub.Heads():
			heads = append(heads, head)
		case err := <-sub.Err():
			t.Fatalf("subscription failed: %v", err)
		case <-timeout:
			t.Fatal("no heads received")
		}
	}
	assert.Equal(t, []uint64{7, 8}, heads)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
}

var (
	_ application.BlockSource    = (*Client)(nil)
	_ application.HeadSubscriber = (*Client)(nil)
)
