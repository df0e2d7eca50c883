package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/pkg/file"
)

// SlotConfig describes one firmware slot.
type SlotConfig struct {
	Label string `yaml:"label"` // Slot label, e.g. "a"
	Path  string `yaml:"path"`  // Image file, block device or PARTUUID=<id> backing the slot
	Size  int64  `yaml:"size"`  // Slot capacity in bytes
}

// Config represents the structure of the configuration file.
type Config struct {
	Device struct {
		Version      string `yaml:"version"`       // Version of the running image
		Board        string `yaml:"board"`         // Board type used for release asset selection
		IdentityFile string `yaml:"identity_file"` // Path to the device identity file
	} `yaml:"device"`

	Logging struct {
		Level      string `yaml:"level"`        // trace, debug, info, warn, error
		Format     string `yaml:"format"`       // console or json
		Output     string `yaml:"output"`       // stdout, file or multi
		File       string `yaml:"file"`         // Log file path for file and multi outputs
		MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotate after this many megabytes
		MaxBackups int    `yaml:"max_backups"`  // Rotated files to keep
		MaxAgeDays int    `yaml:"max_age_days"` // Days to keep rotated files
		Compress   bool   `yaml:"compress"`     // Gzip rotated files
	} `yaml:"logging"`

	Transport struct {
		CABundle        string        `yaml:"ca_bundle"`        // Path to the PEM trust anchor
		Insecure        bool          `yaml:"insecure"`         // Skip server certificate verification
		RequestTimeout  time.Duration `yaml:"request_timeout"`  // Deadline for manifest and release requests
		DownloadTimeout time.Duration `yaml:"download_timeout"` // Total deadline for artifact downloads, zero for none
		UserAgent       string        `yaml:"user_agent"`       // Fixed User-Agent header
		MaxRedirects    int           `yaml:"max_redirects"`    // Redirects followed before giving up
		SigningKeyFile  string        `yaml:"signing_key_file"` // HMAC key for signed manifest requests
	} `yaml:"transport"`

	Update struct {
		URL            string        `yaml:"url"`             // Manifest URL, overridden by the persisted ota_url
		CloudBaseURL   string        `yaml:"cloud_base_url"`  // Base for the default manifest path
		ReleasesURL    string        `yaml:"releases_url"`    // Latest-release endpoint used as a fallback
		KnownBoards    []string      `yaml:"known_boards"`    // Board names recognised in asset names
		CheckInterval  time.Duration `yaml:"check_interval"`  // Interval between automatic checks
		ChunkSize      int           `yaml:"chunk_size"`      // Bytes per network read
		ChunkTimeout   time.Duration `yaml:"chunk_timeout"`   // Deadline for one chunk
		StallTimeout   time.Duration `yaml:"stall_timeout"`   // Abort after this long without progress
		HeaderTimeout  time.Duration `yaml:"header_timeout"`  // Deadline for bundle header fields
		MemoryFloor    uint64        `yaml:"memory_floor"`    // Abort when free memory drops below this many bytes
		FilesystemRoot string        `yaml:"filesystem_root"` // Target directory for bundle entries
		RebootCommand  []string      `yaml:"reboot_command"`  // Command run after a successful install
	} `yaml:"update"`

	Partition struct {
		StateDir string       `yaml:"state_dir"` // Directory holding the boot control file
		Running  string       `yaml:"running"`   // Running slot label; detected from mounts when empty
		Slots    []SlotConfig `yaml:"slots"`     // A/B slots
	} `yaml:"partition"`

	Registry struct {
		Path string `yaml:"path"` // Path to the persisted registry file
	} `yaml:"registry"`

	Boot struct {
		GracePeriod      time.Duration `yaml:"grace_period"`        // Time allowed for a pending image to become healthy
		RetryInterval    time.Duration `yaml:"retry_interval"`      // Delay between health check rounds
		MaxBootFailures  int           `yaml:"max_boot_failures"`   // Failed boots tolerated before rollback
		MaxBootLoopCount int           `yaml:"max_boot_loop_count"` // Boots after which the counter resets
	} `yaml:"boot"`

	Watchdog struct {
		Backend        string        `yaml:"backend"`         // supervisor, systemd or device
		Device         string        `yaml:"device"`          // Path to the hardware watchdog
		DefaultTimeout time.Duration `yaml:"default_timeout"` // Timeout for the default task group
		UpdateTimeout  time.Duration `yaml:"update_timeout"`  // Timeout while an update holds the watchdog
		FeedInterval   time.Duration `yaml:"feed_interval"`   // Interval between background feeds
	} `yaml:"watchdog"`

	MQTT struct {
		Enabled     bool    `yaml:"enabled"`      // Enable/disable the remote command channel
		Broker      string  `yaml:"broker"`       // MQTT broker address
		ClientID    string  `yaml:"client_id"`    // MQTT client ID prefix
		Username    string  `yaml:"username"`     // Optional broker username
		Password    string  `yaml:"password"`     // Optional broker password
		Topic       string  `yaml:"topic"`        // Command topic prefix, device ID is appended
		StatusTopic string  `yaml:"status_topic"` // Status topic prefix, device ID is appended
		QOS         int     `yaml:"qos"`          // MQTT QoS level
		StatusRate  float64 `yaml:"status_rate"`  // Progress events per second
	} `yaml:"mqtt"`

	S3 struct {
		Endpoint  string `yaml:"endpoint"`   // Object storage endpoint for s3:// artifacts
		AccessKey string `yaml:"access_key"` // Access key ID
		SecretKey string `yaml:"secret_key"` // Secret access key
		UseSSL    bool   `yaml:"use_ssl"`    // Connect over TLS
	} `yaml:"s3"`
}

// LoadConfig loads the YAML configuration from the specified file, applies
// defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset field with the compiled-in default.
func (c *Config) ApplyDefaults() {
	setString(&c.Device.IdentityFile, "/etc/display-ota/device.json")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")
	setString(&c.Logging.File, "/var/log/display-ota/agent.log")
	setInt(&c.Logging.MaxSizeMB, 10)
	setInt(&c.Logging.MaxBackups, 3)
	setInt(&c.Logging.MaxAgeDays, 28)

	setString(&c.Transport.CABundle, constants.DefaultCABundlePath)
	setDuration(&c.Transport.RequestTimeout, constants.DefaultRequestTimeout)
	setString(&c.Transport.UserAgent, constants.DefaultUserAgent)
	setInt(&c.Transport.MaxRedirects, constants.DefaultMaxRedirects)

	setDuration(&c.Update.CheckInterval, constants.DefaultCheckInterval)
	setInt(&c.Update.ChunkSize, constants.DefaultChunkSize)
	setDuration(&c.Update.ChunkTimeout, constants.DefaultChunkTimeout)
	setDuration(&c.Update.StallTimeout, constants.DefaultStallTimeout)
	setDuration(&c.Update.HeaderTimeout, constants.DefaultHeaderTimeout)
	setString(&c.Update.FilesystemRoot, "/var/lib/display-ota/fs")

	setString(&c.Partition.StateDir, "/var/lib/display-ota")
	setString(&c.Registry.Path, "/var/lib/display-ota/registry.json")

	setDuration(&c.Boot.GracePeriod, constants.DefaultGracePeriod)
	setDuration(&c.Boot.RetryInterval, 2*time.Second)
	setInt(&c.Boot.MaxBootFailures, constants.DefaultMaxBootFailures)
	setInt(&c.Boot.MaxBootLoopCount, constants.DefaultMaxBootLoopCount)

	setString(&c.Watchdog.Backend, "supervisor")
	setString(&c.Watchdog.Device, "/dev/watchdog")
	setDuration(&c.Watchdog.DefaultTimeout, constants.DefaultTaskWatchdog)
	setDuration(&c.Watchdog.UpdateTimeout, constants.DefaultUpdateWatchdog)
	if c.Watchdog.FeedInterval <= 0 {
		c.Watchdog.FeedInterval = c.Watchdog.DefaultTimeout / 2
	}

	setString(&c.MQTT.ClientID, "display-ota")
	setString(&c.MQTT.Topic, "devices/update")
	setString(&c.MQTT.StatusTopic, "devices/update/status")
	if c.MQTT.StatusRate <= 0 {
		c.MQTT.StatusRate = 1
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var problems []error
	if len(c.Partition.Slots) < 2 {
		problems = append(problems, errors.New("partition.slots needs at least two slots"))
	}
	seen := make(map[string]struct{}, len(c.Partition.Slots))
	for _, slot := range c.Partition.Slots {
		if slot.Label == "" || slot.Path == "" {
			problems = append(problems, fmt.Errorf("slot %q needs a label and a path", slot.Label))
		}
		if _, dup := seen[slot.Label]; dup {
			problems = append(problems, fmt.Errorf("duplicate slot label %q", slot.Label))
		}
		seen[slot.Label] = struct{}{}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		problems = append(problems, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QOS))
	}
	switch c.Watchdog.Backend {
	case "supervisor", "systemd", "device":
	default:
		problems = append(problems, fmt.Errorf("unknown watchdog backend %q", c.Watchdog.Backend))
	}
	return errors.Join(problems...)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
