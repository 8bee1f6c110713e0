// Package config loads runtime configuration for every process kind in this
// module (pub/sub broker, control router, device controller, worker),
// following the teacher's pattern of reading environment variables, applying
// defaults, and batching every validation failure into a single error so a
// misconfigured process fails fast at startup rather than partway through
// its main loop (§7: configuration errors are the only Fatal error kind).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPubAddr is the default address a Publisher/Broker listens on.
	DefaultPubAddr = ":47100"
	// DefaultRouterAddr is the default address a Control Router listens on.
	DefaultRouterAddr = ":47200"
	// DefaultCacheDepth is the FIFO depth for any envelope without a more
	// specific override (§3).
	DefaultCacheDepth = 1
	// DefaultRequestTimeout bounds one Lazy-Pirate round trip (§4.6).
	DefaultRequestTimeout = 2 * time.Second
	// DefaultRequestRetries bounds Lazy-Pirate retransmissions (§4.6).
	DefaultRequestRetries = 3
	// DefaultPollTimeout bounds the device controller's per-tick request poll (§4.7).
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultLoopSleep is the device controller's idle sleep between ticks (§4.7).
	DefaultLoopSleep = 200 * time.Millisecond
	// DefaultHeartbeatPeriod is the component skeleton's heartbeat cadence (§4.8).
	DefaultHeartbeatPeriod = 2 * time.Second

	// DefaultLogLevel controls verbosity for process logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "spmfabric.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// PubSubConfig captures §6.4's pub/sub option group.
type PubSubConfig struct {
	PubURL            string
	SubURLs           []string
	CacheDepthDefault int
	// ScanCacheDepths maps "channel:roundedSizeX" -> depth, parsed from
	// the SPM_SCAN_CACHE_DEPTHS env var.
	ScanCacheDepths map[string]int
}

// ControlConfig captures §6.4's control option group.
type ControlConfig struct {
	RouterURL        string
	RequestTimeout   time.Duration
	RequestRetries   int
	AdminIdentities  []string
}

// DeviceConfig captures §6.4's device option group.
type DeviceConfig struct {
	PollTimeout      time.Duration
	LoopSleep        time.Duration
	HeartbeatPeriod  time.Duration
	DriverConfigPath string
	DriverConfig     map[string]any
}

// Config is the full runtime configuration for one process.
type Config struct {
	PubSub  PubSubConfig
	Control ControlConfig
	Device  DeviceConfig
	Logging LoggingConfig
}

// Load reads configuration from environment variables, applying defaults and
// returning one error describing every problem found.
func Load() (*Config, error) {
	cfg := &Config{
		PubSub: PubSubConfig{
			PubURL:            getString("SPM_PUB_URL", "ws://127.0.0.1"+DefaultPubAddr),
			SubURLs:           parseList(os.Getenv("SPM_SUB_URLS")),
			CacheDepthDefault: DefaultCacheDepth,
			ScanCacheDepths:   map[string]int{},
		},
		Control: ControlConfig{
			RouterURL:       getString("SPM_ROUTER_URL", "ws://127.0.0.1"+DefaultRouterAddr),
			RequestTimeout:  DefaultRequestTimeout,
			RequestRetries:  DefaultRequestRetries,
			AdminIdentities: parseList(os.Getenv("SPM_ADMIN_IDENTITIES")),
		},
		Device: DeviceConfig{
			PollTimeout:      DefaultPollTimeout,
			LoopSleep:        DefaultLoopSleep,
			HeartbeatPeriod:  DefaultHeartbeatPeriod,
			DriverConfigPath: strings.TrimSpace(os.Getenv("SPM_DRIVER_CONFIG_PATH")),
		},
		Logging: LoggingConfig{
			Level:      getString("SPM_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("SPM_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SPM_CACHE_DEPTH_DEFAULT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_CACHE_DEPTH_DEFAULT must be a positive integer, got %q", raw))
		} else {
			cfg.PubSub.CacheDepthDefault = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_SCAN_CACHE_DEPTHS")); raw != "" {
		depths, err := parseScanDepths(raw)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			cfg.PubSub.ScanCacheDepths = depths
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_REQUEST_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_REQUEST_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.Control.RequestTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_REQUEST_RETRIES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_REQUEST_RETRIES must be a positive integer, got %q", raw))
		} else {
			cfg.Control.RequestRetries = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_POLL_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_POLL_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.Device.PollTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_LOOP_SLEEP")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_LOOP_SLEEP must be a positive duration, got %q", raw))
		} else {
			cfg.Device.LoopSleep = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_HB_PERIOD")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_HB_PERIOD must be a positive duration, got %q", raw))
		} else {
			cfg.Device.HeartbeatPeriod = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPM_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPM_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPM_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPM_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SPM_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.Device.DriverConfigPath != "" {
		driverCfg, err := loadDriverConfig(cfg.Device.DriverConfigPath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SPM_DRIVER_CONFIG_PATH: %v", err))
		} else {
			cfg.Device.DriverConfig = driverCfg
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// loadDriverConfig reads an optional YAML file of free-form driver-specific
// sub-configuration (§6.4). Kept separate from the flat env-var options
// above because a driver's configuration shape is not known to this module.
func loadDriverConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return parsed, nil
}

// parseScanDepths parses "channel:sizeX=depth,channel:sizeX=depth" into a map
// keyed by "channel:sizeX", the form envelope.ScanDepthsFromStrings reads.
func parseScanDepths(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("SPM_SCAN_CACHE_DEPTHS entry %q must be key=depth", entry)
		}
		depth, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || depth <= 0 {
			return nil, fmt.Errorf("SPM_SCAN_CACHE_DEPTHS depth for %q must be a positive integer", kv[0])
		}
		out[strings.TrimSpace(kv[0])] = depth
	}
	return out, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
