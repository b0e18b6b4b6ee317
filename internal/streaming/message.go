package streaming

import (
	"encoding/json"
	"errors"
	"time"
)

type MessageType string

const (
	MessageTypeTransaction MessageType = "transaction"
)

// Message is the wire form of a persisted transaction. Quantities are decimal strings so that consumers never lose
// precision on 256-bit values.
type Message struct {
	Type        MessageType `json:"type"`
	TraceID     string      `json:"trace_id,omitempty"`
	Hash        string      `json:"hash"`
	From        string      `json:"from"`
	To          string      `json:"to,omitempty"`
	Value       string      `json:"value"`
	Gas         string      `json:"gas"`
	GasPrice    string      `json:"gas_price"`
	BlockHeight uint64      `json:"block_height"`
	ObservedAt  time.Time   `json:"observed_at"`
	Input       string      `json:"input,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.Hash == "" {
		return nil, errors.New("hash is required")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	if msg.Hash == "" {
		return Message{}, errors.New("hash is missing")
	}
	return msg, nil
}
