package application

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"evmingest/internal/domain"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConvertBlock maps every raw transaction of the block to a record stamped with the block time.
// Any malformed transaction fails the whole block with ErrConversion.
func ConvertBlock(block domain.Block) ([]domain.TransactionRecord, error) {
	if block.Timestamp > math.MaxInt64 {
		return nil, fmt.Errorf("%w: block %d timestamp %d out of range", ErrConversion, block.Height, block.Timestamp)
	}
	observedAt := time.Unix(int64(block.Timestamp), 0).UTC()

	records := make([]domain.TransactionRecord, 0, len(block.Transactions))
	for i, raw := range block.Transactions {
		record, err := convertTransaction(block.Height, observedAt, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d tx %d: %v", ErrConversion, block.Height, i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func convertTransaction(height uint64, observedAt time.Time, raw domain.RawTransaction) (domain.TransactionRecord, error) {
	hash := strings.ToLower(strings.TrimSpace(raw.Hash))
	if hash == "" {
		return domain.TransactionRecord{}, errors.New("missing hash")
	}
	from := strings.ToLower(strings.TrimSpace(raw.From))
	if from == "" {
		return domain.TransactionRecord{}, fmt.Errorf("tx %s: missing from address", hash)
	}
	if raw.BlockNumber != "" {
		number, err := hexutil.DecodeUint64(raw.BlockNumber)
		if err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("tx %s: blockNumber: %v", hash, err)
		}
		if number != height {
			return domain.TransactionRecord{}, fmt.Errorf("tx %s: blockNumber %d does not match block %d", hash, number, height)
		}
	}
	value, err := parseQuantity(raw.Value)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("tx %s: value: %v", hash, err)
	}
	gas, err := parseQuantity(raw.Gas)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("tx %s: gas: %v", hash, err)
	}
	gasPrice, err := parseQuantity(raw.GasPrice)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("tx %s: gasPrice: %v", hash, err)
	}

	return domain.TransactionRecord{
		Hash:        hash,
		FromAddress: from,
		ToAddress:   strings.ToLower(strings.TrimSpace(raw.To)),
		Value:       value,
		Gas:         gas,
		GasPrice:    gasPrice,
		BlockHeight: height,
		ObservedAt:  observedAt,
		InputData:   raw.Input,
	}, nil
}

// parseQuantity decodes a hex quantity of at most 256 bits. Missing quantities read as zero.
func parseQuantity(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	return hexutil.DecodeBig(raw)
}
