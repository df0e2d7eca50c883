package partition

import (
	"errors"
	"io"
	"time"
)

// SlotState tracks the lifecycle of one firmware slot.
type SlotState string

const (
	SlotEmpty         SlotState = "empty"
	SlotWriting       SlotState = "writing"        // Being flashed; never bootable
	SlotNew           SlotState = "new"            // Fully written, not yet selected
	SlotPendingVerify SlotState = "pending_verify" // Selected for the next boot, awaiting confirmation
	SlotValid         SlotState = "valid"
	SlotInvalid       SlotState = "invalid"
)

var (
	ErrUnknownSlot = errors.New("unknown slot")
	ErrNoFallback  = errors.New("no previous slot to roll back to")
)

// Slot is one firmware partition.
type Slot struct {
	Label string
	Path  string // Image file or block device
	Size  int64  // Capacity in bytes
}

// SlotMeta is the metadata the table keeps per slot. It is written by the
// table itself, so it survives a crash between flashing and registry updates.
type SlotMeta struct {
	Label     string    `json:"label"`
	State     SlotState `json:"state"`
	Version   string    `json:"version,omitempty"`
	Size      int64     `json:"size,omitempty"`   // Bytes of the written image
	SHA256    string    `json:"sha256,omitempty"` // Digest of the written image
	UpdatedAt time.Time `json:"updated_at"`
}

// BootControl is the persisted boot pointer.
type BootControl struct {
	Boot     string               `json:"boot"`               // Slot the next boot starts from
	Previous string               `json:"previous,omitempty"` // Slot to fall back to while Boot is pending
	Pending  bool                 `json:"pending"`            // Boot slot not yet confirmed
	Slots    map[string]*SlotMeta `json:"slots"`
}

// SlotWriter receives an image. Nothing is bootable until Finalize succeeds.
type SlotWriter interface {
	io.Writer
	Written() int64
	Finalize(version string) (SlotMeta, error)
	Abort() error
}

// Table is the A/B partition table.
type Table interface {
	// Running is the slot the current process booted from.
	Running() Slot
	// NextUpdate is the inactive slot an update should be written to.
	NextUpdate() (Slot, error)
	Slot(label string) (Slot, error)
	Meta(label string) (SlotMeta, error)
	Control() (BootControl, error)

	// OpenWriter prepares a slot for an image of size bytes (-1 when unknown).
	OpenWriter(label string, size int64) (SlotWriter, error)
	// SetBootPending points the next boot at label and keeps the running slot as fallback.
	SetBootPending(label string) error
	// MarkValid confirms label and clears the pending flag.
	MarkValid(label string) error
	// MarkInvalid makes label unbootable.
	MarkInvalid(label string) error
	// Rollback invalidates the pending slot and restores the boot pointer to the
	// previous one, returning the slot that will boot next.
	Rollback() (Slot, error)
}
