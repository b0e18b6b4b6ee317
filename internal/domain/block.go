package domain

// Block is a chain block as delivered by the feed. It is never persisted itself.
type Block struct {
	Height       uint64
	Hash         string
	Timestamp    uint64
	Transactions []RawTransaction
}

// RawTransaction keeps the node's hex quantities untouched until conversion.
type RawTransaction struct {
	Hash        string
	From        string
	To          string
	Value       string
	Gas         string
	GasPrice    string
	BlockNumber string
	Input       string
}
