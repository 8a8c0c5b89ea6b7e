package domain

import (
	"fmt"
	"time"
)

// ConnState is the bridge-side connection state of a device.
type ConnState string

const (
	ConnDiscovered   ConnState = "discovered"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// Footprint is the block of shelf positions one device covers:
// a single row, Height levels starting at Level, Width boxes starting
// at Box.
type Footprint struct {
	Row    uint8 `json:"row" yaml:"row"`
	Level  uint8 `json:"level" yaml:"level"`
	Box    uint8 `json:"box" yaml:"box"`
	Height uint8 `json:"height" yaml:"height"`
	Width  uint8 `json:"width" yaml:"width"`
}

// Warehouse coordinate bounds and supported display layouts. The
// layouts match the touch-zone grids the display hardware can render.
const (
	MaxRow   = 6
	MaxLevel = 4
	MaxBox   = 6
)

var allowedLayouts = map[[2]uint8]bool{
	{1, 1}: true,
	{2, 2}: true,
	{2, 3}: true,
	{2, 4}: true,
}

// Validate checks coordinate bounds and that the (height, width) layout
// is one the display hardware supports.
func (f Footprint) Validate() error {
	if f.Row < 1 || f.Row > MaxRow {
		return NewDomainError("Footprint.Validate", ErrInvalidInput, fmt.Sprintf("row %d out of range", f.Row))
	}
	if f.Level < 1 || int(f.Level)+int(f.Height)-1 > MaxLevel {
		return NewDomainError("Footprint.Validate", ErrInvalidInput, fmt.Sprintf("levels %d..%d out of range", f.Level, int(f.Level)+int(f.Height)-1))
	}
	if f.Box < 1 || int(f.Box)+int(f.Width)-1 > MaxBox {
		return NewDomainError("Footprint.Validate", ErrInvalidInput, fmt.Sprintf("boxes %d..%d out of range", f.Box, int(f.Box)+int(f.Width)-1))
	}
	if !allowedLayouts[[2]uint8{f.Height, f.Width}] {
		return NewDomainError("Footprint.Validate", ErrInvalidInput, fmt.Sprintf("unsupported layout %dx%d", f.Height, f.Width))
	}
	return nil
}

// Slots enumerates every shelf position inside the footprint, level
// major then box, matching the display's top-left to bottom-right
// tile order.
func (f Footprint) Slots() []Slot {
	slots := make([]Slot, 0, int(f.Height)*int(f.Width))
	for l := f.Level; l < f.Level+f.Height; l++ {
		for b := f.Box; b < f.Box+f.Width; b++ {
			slots = append(slots, Slot{Row: f.Row, Level: l, Box: b})
		}
	}
	return slots
}

// Contains reports whether the slot lies inside the footprint.
func (f Footprint) Contains(s Slot) bool {
	return s.Row == f.Row &&
		s.Level >= f.Level && s.Level < f.Level+f.Height &&
		s.Box >= f.Box && s.Box < f.Box+f.Width
}

// Slot is a single shelf position, mapped to at most one item.
type Slot struct {
	Row   uint8 `json:"row" yaml:"row"`
	Level uint8 `json:"level" yaml:"level"`
	Box   uint8 `json:"box" yaml:"box"`
}

// Location returns the warehouse location code, e.g. "R2-E3-K1".
func (s Slot) Location() string {
	return fmt.Sprintf("R%d-E%d-K%d", s.Row, s.Level, s.Box)
}

// Device is a shelf display unit as the bridge sees it.
type Device struct {
	ID        string    `json:"id"` // stable link-layer identity (MAC or serial)
	Name      string    `json:"name"`
	Footprint Footprint `json:"footprint"`
	State     ConnState `json:"state"`
	Battery   uint8     `json:"battery"` // last reported percentage
	LastSeen  time.Time `json:"last_seen"`
}
