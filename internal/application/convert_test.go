package application

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"evmingest/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertBlock_MapsFields(t *testing.T) {
	block := domain.Block{
		Height:    0x10,
		Timestamp: 1_700_000_000,
		Transactions: []domain.RawTransaction{{
			Hash:        "0xABCDEF",
			From:        "0x00000000000000000000000000000000000000AA",
			Value:       "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			Gas:         "0x5208",
			GasPrice:    "0x0",
			BlockNumber: "0x10",
			Input:       "0x60806040",
		}},
	}

	records, err := ConvertBlock(block)
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	assert.Equal(t, "0xabcdef", record.Hash)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", record.FromAddress)
	assert.Empty(t, record.ToAddress)
	assert.Equal(t, 0, maxUint256.Cmp(record.Value))
	assert.Equal(t, int64(21000), record.Gas.Int64())
	assert.Equal(t, 0, record.GasPrice.Sign())
	assert.Equal(t, uint64(0x10), record.BlockHeight)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), record.ObservedAt)
	assert.Equal(t, "0x60806040", record.InputData)
}

func TestConvertBlock_EmptyBlock(t *testing.T) {
	records, err := ConvertBlock(domain.Block{Height: 101})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConvertBlock_Rejects(t *testing.T) {
	valid := rawTxs(5, 1)[0]

	tests := []struct {
		name   string
		mutate func(tx *domain.RawTransaction)
	}{
		{"value over 256 bits", func(tx *domain.RawTransaction) { tx.Value = "0x1" + strings.Repeat("0", 64) }},
		{"malformed gas", func(tx *domain.RawTransaction) { tx.Gas = "21000" }},
		{"malformed gas price", func(tx *domain.RawTransaction) { tx.GasPrice = "0xzz" }},
		{"block number mismatch", func(tx *domain.RawTransaction) { tx.BlockNumber = "0x6" }},
		{"missing hash", func(tx *domain.RawTransaction) { tx.Hash = "" }},
		{"missing from", func(tx *domain.RawTransaction) { tx.From = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid
			tt.mutate(&tx)
			good := rawTxs(5, 2)
			block := domain.Block{Height: 5, Transactions: []domain.RawTransaction{good[0], tx, good[1]}}

			records, err := ConvertBlock(block)
			require.ErrorIs(t, err, ErrConversion)
			assert.Nil(t, records)
		})
	}
}
