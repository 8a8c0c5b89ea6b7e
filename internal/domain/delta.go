package domain

import "time"

// StockDelta is one confirmed stock change for a single slot. Sequence
// numbers are per-device, strictly increasing, and generated on the
// device; the backend deduplicates on (device, sequence) so replaying
// a delta any number of times applies it exactly once.
type StockDelta struct {
	DeviceID  string    `json:"device_id"`
	Slot      Slot      `json:"slot"`
	Count     uint16    `json:"count"` // new absolute count
	Sequence  uint64    `json:"sequence"`
	Battery   uint8     `json:"battery"`
	Timestamp time.Time `json:"timestamp"` // device-local time of the edit
}

// SubmitResult classifies the backend's answer to a delta submission.
type SubmitResult int

const (
	// SubmitAccepted: first time the backend saw this (device, sequence).
	SubmitAccepted SubmitResult = iota
	// SubmitDuplicate: already applied; acked the same as accepted.
	SubmitDuplicate
	// SubmitError: not durable upstream; the delta stays queued.
	SubmitError
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitAccepted:
		return "accepted"
	case SubmitDuplicate:
		return "duplicate"
	default:
		return "error"
	}
}
