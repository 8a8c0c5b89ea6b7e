package domain

import "context"

// Backend is the REST persistence service the bridge coordinator
// relays deltas to and fetches configuration from. Submissions are
// idempotent on (device, sequence); a duplicate answer is treated the
// same as accepted.
type Backend interface {
	// Register announces a newly discovered device and returns its
	// initial config snapshot.
	Register(ctx context.Context, dev Device) (ConfigSnapshot, error)
	// SubmitStockUpdate persists one delta upstream.
	SubmitStockUpdate(ctx context.Context, delta StockDelta) (SubmitResult, error)
	// FetchConfig returns the current snapshot for a device.
	FetchConfig(ctx context.Context, deviceID string) (ConfigSnapshot, error)
}
