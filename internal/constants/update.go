package constants

import "time"

type UpdateState string

const (
	UpdateStateIdle        UpdateState = "idle"
	UpdateStateChecking    UpdateState = "checking"
	UpdateStateDownloading UpdateState = "downloading"
	UpdateStateVerifying   UpdateState = "verifying"
	UpdateStateSuccess     UpdateState = "success"
	UpdateStateFailure     UpdateState = "failure"
)

// Remote update actions accepted on the command topic.
const (
	ActionCheck       = "check"
	ActionInstall     = "install"
	ActionClearFailed = "clear_failed"
)

type ArtifactKind string

const (
	ArtifactBinary ArtifactKind = "binary"
	ArtifactBundle ArtifactKind = "bundle"
)

type CheckStatus string

const (
	UpdateAvailable   CheckStatus = "update_available"
	NoUpdateAvailable CheckStatus = "no_update_available"
)

type ManifestSource string

const (
	SourceManifest ManifestSource = "manifest"
	SourceReleases ManifestSource = "releases"
)

type BootState string

const (
	BootNormal     BootState = "normal"
	BootValidating BootState = "validating"
	BootConfirmed  BootState = "confirmed"
	BootRolledBack BootState = "rolled_back"
)

// Persisted registry keys.
const (
	KeyUpdateURL        = "ota_url"
	KeyAutoUpdate       = "auto_update"
	KeyFailedVersion    = "fail_ota_ver"
	KeyPartitionVersion = "part_ver_" // + partition label
	KeyBootCount        = "boot_count"
	KeyLastPartition    = "last_partition"
)

// Defaults carried over from the device firmware.
const (
	DefaultUserAgent         = "ESP32-Webex-Display"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxRedirects      = 10
	DefaultUpdateWatchdog    = 120 * time.Second
	DefaultTaskWatchdog      = 5 * time.Second
	DefaultChunkSize         = 2048
	DefaultChunkTimeout      = 10 * time.Second
	DefaultStallTimeout      = 60 * time.Second
	DefaultHeaderTimeout     = 10 * time.Second
	DefaultCheckInterval     = time.Hour
	DefaultGracePeriod       = 60 * time.Second
	DefaultMaxBootFailures   = 3
	DefaultMaxBootLoopCount  = 10
	DefaultManifestPath      = "/functions/v1/get-manifest"
	DefaultUpdateURL         = "https://updates.example.invalid/functions/v1/get-manifest"
	DefaultCABundlePath      = "/etc/display-ota/ca-bundle.pem"
	GithubAcceptHeader       = "application/vnd.github.v3+json"
	ReleaseAssetBoardMatch   = 200
	ReleaseAssetGenericMatch = 50
)
