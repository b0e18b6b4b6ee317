package domain

import (
	"math/big"
	"time"
)

// TransactionRecord is the persisted form of a chain transaction, keyed by Hash.
type TransactionRecord struct {
	Hash        string
	FromAddress string
	// ToAddress is empty for contract creation.
	ToAddress   string
	Value       *big.Int
	Gas         *big.Int
	GasPrice    *big.Int
	BlockHeight uint64
	ObservedAt  time.Time
	InputData   string
}
