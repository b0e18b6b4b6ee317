package application

import "errors"

var (
	// ErrTransport marks a feed that is unreachable or dropped; terminal for the current stream.
	ErrTransport = errors.New("transport error")
	// ErrConversion marks a malformed block or transaction payload; the block is skipped.
	ErrConversion = errors.New("conversion error")
	// ErrStorage marks a failed checkpoint or transaction write; the block is not checkpointed.
	ErrStorage = errors.New("storage error")
)
