package interfaces

import "context"

// -----------------------------------------------------------------------------
// IBrokerFeed defines the contract for the upstream telemetry feed.
// -----------------------------------------------------------------------------

type IBrokerFeed interface {

	// Connect establishes the broker connection, retrying forever with capped
	// exponential backoff. Returns only when connected or ctx is cancelled.
	Connect(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// StartConsuming begins delivering raw message payloads to the handler.
	// Idempotent: a second call while consuming is a no-op.
	StartConsuming(handler func(raw []byte)) error

	// -----------------------------------------------------------------------------

	// StopConsuming releases the consumer. Idempotent.
	StopConsuming()

	// -----------------------------------------------------------------------------

	// Connected reports whether the broker connection is currently up.
	Connected() bool

	// -----------------------------------------------------------------------------

	// Close tears the connection down for process shutdown.
	Close()
}
