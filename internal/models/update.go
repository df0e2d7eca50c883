package models

import (
	"time"

	"github.com/benmeehan/display-ota/internal/constants"
)

// UpdateManifest describes the latest firmware artifact published for the device.
// It is immutable once fetched.
type UpdateManifest struct {
	Version      string                 `json:"version"`              // Semantic version of the artifact
	BuildID      string                 `json:"build_id"`             // CI build identifier
	BuildDate    string                 `json:"build_date"`           // Build timestamp as published
	ArtifactKind constants.ArtifactKind `json:"artifact_kind"`        // binary or bundle
	ArtifactURL  string                 `json:"artifact_url"`         // Where to fetch the artifact
	Checksum     string                 `json:"checksum,omitempty"`   // "<algo>:<hex>" or bare sha256 hex
	SizeBytes    *int64                 `json:"size_bytes,omitempty"` // Declared artifact size, if known

	Firmware map[string]BoardArtifact `json:"firmware,omitempty"` // Per-board artifacts, used when ArtifactURL is empty
}

// BoardArtifact is one board's entry in a manifest firmware map.
type BoardArtifact struct {
	URL       string `json:"url"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// ExpectedSize returns the declared size or -1 when unknown.
func (m UpdateManifest) ExpectedSize() int64 {
	if m.SizeBytes == nil {
		return -1
	}
	return *m.SizeBytes
}

// CheckResult is the outcome of one discovery cycle.
type CheckResult struct {
	Status         constants.CheckStatus    `json:"status"`
	CurrentVersion string                   `json:"current_version"`
	Manifest       *UpdateManifest          `json:"manifest,omitempty"`
	Source         constants.ManifestSource `json:"source,omitempty"`
	Suppressed     bool                     `json:"suppressed,omitempty"` // Candidate matched the failed version
}

// Available reports whether the result proposes an install.
func (r CheckResult) Available() bool {
	return r.Status == constants.UpdateAvailable && r.Manifest != nil
}

// DownloadSession is the transient state of one transfer.
type DownloadSession struct {
	ID             string
	ExpectedSize   int64 // -1 when unknown or chunked
	BytesWritten   int64
	StartedAt      time.Time
	LastProgressAt time.Time
}

// InstallResult reports what an install attempt committed.
type InstallResult struct {
	SessionID    string                 `json:"session_id"`
	Version      string                 `json:"version"`
	Kind         constants.ArtifactKind `json:"kind"`
	Partition    string                 `json:"partition,omitempty"` // Slot label for binary installs
	BytesWritten int64                  `json:"bytes_written"`
	Files        []string               `json:"files,omitempty"` // Paths written by bundle installs
	RebootNeeded bool                   `json:"reboot_needed"`
}

// UpdateCommandPayload is a remote trigger received over MQTT.
type UpdateCommandPayload struct {
	Action   string          `json:"action"`             // check, install or clear_failed
	Manifest *UpdateManifest `json:"manifest,omitempty"` // Optional explicit manifest for install
}

// UpdateStatus is published whenever the update service changes state.
type UpdateStatus struct {
	DeviceID       string                `json:"device_id"`
	State          constants.UpdateState `json:"state"`
	CurrentVersion string                `json:"current_version"`
	TargetVersion  string                `json:"target_version,omitempty"`
	BytesWritten   int64                 `json:"bytes_written,omitempty"`
	ExpectedSize   int64                 `json:"expected_size,omitempty"`
	Progress       int                   `json:"progress,omitempty"`
	Error          string                `json:"error,omitempty"`
	ErrorKind      string                `json:"error_kind,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}
