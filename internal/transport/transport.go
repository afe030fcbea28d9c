// Package transport provides the raw byte-oriented channel to the
// programmer device. Two interchangeable adapters implement the same
// contract: a local GATT connection and a WebSocket-relayed proxy.
package transport

import (
	"context"
	"time"

	"sfplink/internal/profile"
)

// Default wire constants. These are practical defaults, not protocol
// mandates, and every one is caller-overridable through ChunkOptions or
// the adapter option structs.
const (
	// DefaultChunkSize is the largest fragment reliably deliverable per
	// BLE write without a negotiated MTU.
	DefaultChunkSize = 20

	// DefaultChunkDelay gives the peripheral time to drain its buffer
	// between fragments.
	DefaultChunkDelay = 10 * time.Millisecond

	// DefaultStageTimeout bounds each GATT connect stage independently.
	DefaultStageTimeout = 10 * time.Second
)

// ChunkOptions configures a chunked write.
type ChunkOptions struct {
	ChunkSize    int           // fragment size; DefaultChunkSize when zero
	Delay        time.Duration // inter-fragment delay; DefaultChunkDelay when zero
	WithResponse bool          // use acknowledged writes where the adapter supports them
	// OnProgress is invoked after every successful fragment with the
	// count written so far and the total. On a mid-sequence failure it
	// is invoked one final time with the last successful count before
	// the error propagates.
	OnProgress func(written, total int)
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Delay <= 0 {
		o.Delay = DefaultChunkDelay
	}
	return o
}

// Transport is a raw channel to the device. Connect returns the inbound
// frame stream: every notification payload is delivered on it, and it is
// closed exactly once when the transport disconnects for any reason.
// Exactly one consumer (the connection manager's framing loop) reads it.
type Transport interface {
	Connect(ctx context.Context, prof profile.Profile) (<-chan []byte, error)

	// Write sends a single payload over the write channel.
	Write(ctx context.Context, data []byte) error

	// WriteChunks splits data into fixed-size fragments and writes them
	// strictly sequentially, honoring the inter-chunk delay.
	WriteChunks(ctx context.Context, data []byte, opts ChunkOptions) error

	// Disconnect tears the channel down. Idempotent; on the proxy
	// adapter it also permanently disables auto-reconnect.
	Disconnect() error
}
