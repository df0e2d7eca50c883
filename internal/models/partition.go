package models

import (
	"time"

	"github.com/benmeehan/display-ota/internal/constants"
)

// Partition represents a block device partition with mount information.
type Partition struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	PARTUUID   string `json:"partuuid"`
}

// BootReport is the outcome of one boot validation pass.
type BootReport struct {
	State     constants.BootState `json:"state"`
	Partition string              `json:"partition"`
	Version   string              `json:"version"`
	BootCount int                 `json:"boot_count"`
	Reason    string              `json:"reason,omitempty"`
	Fallback  string              `json:"fallback,omitempty"` // Slot the boot pointer was restored to
	Reboot    bool                `json:"reboot"`             // A reboot is needed to apply the outcome
	Timestamp time.Time           `json:"timestamp"`
}
