package domain

// Item is one stocked article. The canonical copy lives in the backend;
// devices cache the subset covering their own slots.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slot     Slot   `json:"slot"`
	Count    uint16 `json:"count"`     // current stock, never negative
	MinStock uint16 `json:"min_stock"` // reorder threshold shown on the tile
}

// MaxSlotCount is the display ceiling for a slot count. The tile count
// field is three digits wide; anything above is clamped on the device.
const MaxSlotCount = 99

// ConfigSnapshot is the authoritative per-device configuration a device
// caches between syncs. Immutable once received: a new snapshot fully
// replaces the old one, never a partial merge, so a footprint swap can
// not leave half-updated slots behind.
type ConfigSnapshot struct {
	DeviceID        string    `json:"device_id"`
	Footprint       Footprint `json:"footprint"`
	Items           []Item    `json:"items"`
	FirmwareVersion uint32    `json:"firmware_version"`
	FirmwareURL     string    `json:"firmware_url,omitempty"`
	FirmwareSize    uint32    `json:"firmware_size,omitempty"`
	FirmwareSHA256  string    `json:"firmware_sha256,omitempty"` // hex
}

// Validate checks that every item slot lies inside the footprint.
// A device never holds config for slots outside its current footprint.
func (c ConfigSnapshot) Validate() error {
	if err := c.Footprint.Validate(); err != nil {
		return err
	}
	for _, it := range c.Items {
		if !c.Footprint.Contains(it.Slot) {
			return NewDomainError("ConfigSnapshot.Validate", ErrInvalidInput,
				"item "+it.ID+" at "+it.Slot.Location()+" lies outside the device footprint")
		}
	}
	return nil
}
