// Package config loads the entity cache configuration from layered JSON or
// YAML files with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/entitycache/errors"
)

// Blob storage backends
const (
	BlobBackendNone        = "none"
	BlobBackendFile        = "file"
	BlobBackendObjectStore = "objectstore"
)

// Config is the complete cache configuration
type Config struct {
	Store     StoreConfig     `json:"store"`
	Identity  IdentityConfig  `json:"identity"`
	Hierarchy HierarchyConfig `json:"hierarchy"`
	Responses ResponsesConfig `json:"responses"`
	Writer    WriterConfig    `json:"writer"`
	Remote    RemoteConfig    `json:"remote"`
	Blobs     BlobConfig      `json:"blobs"`
	Schema    SchemaConfig    `json:"schema"`
	Log       LogConfig       `json:"log"`
}

// StoreConfig configures the SQLite row store
type StoreConfig struct {
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// IdentityConfig configures identity lookups
type IdentityConfig struct {
	CacheSize int `json:"cache_size"`
}

// HierarchyConfig configures the ownership graph
type HierarchyConfig struct {
	// MaxCascadeRounds bounds observer rounds in one cascading delete
	MaxCascadeRounds int `json:"max_cascade_rounds"`
}

// ResponsesConfig configures the age eviction sweep
type ResponsesConfig struct {
	MaxAge        time.Duration `json:"max_age"`
	EvictNames    []string      `json:"evict_names,omitempty"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// WriterConfig configures the single writer queue
type WriterConfig struct {
	QueueSize   int           `json:"queue_size"`
	StopTimeout time.Duration `json:"stop_timeout"`
}

// RemoteConfig configures the NATS request/reply adapter for the remote service
type RemoteConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls"`
	SubjectPrefix string        `json:"subject_prefix"`
	Timeout       time.Duration `json:"timeout"`
	Retry         RetryConfig   `json:"retry"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	// RateLimit caps requests per second to the service, 0 for no limit
	RateLimit     float64       `json:"rate_limit"`
	RateBurst     int           `json:"rate_burst"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	TLS           TLSConfig     `json:"tls"`
}

// TLSConfig enables TLS on the NATS connection when CertFile is set
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// RetryConfig configures retries of transient upstream failures
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// BlobConfig selects where binary payloads are stored
type BlobConfig struct {
	Backend string `json:"backend"`
	Dir     string `json:"dir,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
}

// SchemaConfig points at the class catalog
type SchemaConfig struct {
	Path string `json:"path,omitempty"`
}

// LogConfig configures slog output
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "entitycache.db",
			BusyTimeout: 5 * time.Second,
		},
		Identity:  IdentityConfig{CacheSize: 4096},
		Hierarchy: HierarchyConfig{MaxCascadeRounds: 10000},
		Responses: ResponsesConfig{
			MaxAge:        14 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Writer: WriterConfig{
			QueueSize:   256,
			StopTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "entities",
			Timeout:       10 * time.Second,
			RateBurst:     10,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
		},
		Blobs: BlobConfig{Backend: BlobBackendNone},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration for values the cache cannot run with
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Store.Path) == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Identity.CacheSize <= 0 {
		problems = append(problems, "identity.cache_size must be positive")
	}
	if c.Hierarchy.MaxCascadeRounds <= 0 {
		problems = append(problems, "hierarchy.max_cascade_rounds must be positive")
	}
	if c.Writer.QueueSize <= 0 {
		problems = append(problems, "writer.queue_size must be positive")
	}
	if c.Responses.MaxAge < 0 {
		problems = append(problems, "responses.max_age cannot be negative")
	}

	switch c.Blobs.Backend {
	case BlobBackendNone, "":
	case BlobBackendFile:
		if c.Blobs.Dir == "" {
			problems = append(problems, "blobs.dir is required for the file backend")
		}
	case BlobBackendObjectStore:
		if c.Blobs.Bucket == "" {
			problems = append(problems, "blobs.bucket is required for the objectstore backend")
		}
		if !c.Remote.Enabled {
			problems = append(problems, "blobs objectstore backend needs remote.enabled for the NATS connection")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown blobs.backend %q", c.Blobs.Backend))
	}

	if c.Remote.Enabled {
		if len(c.Remote.URLs) == 0 {
			problems = append(problems, "remote.urls is required when remote is enabled")
		}
		if !isValidSubject(c.Remote.SubjectPrefix) {
			problems = append(problems, fmt.Sprintf("remote.subject_prefix %q is not a valid NATS subject", c.Remote.SubjectPrefix))
		}
		if c.Remote.RateLimit < 0 {
			problems = append(problems, "remote.rate_limit cannot be negative")
		}
		if tls := c.Remote.TLS; tls.CertFile != "" && tls.KeyFile == "" {
			problems = append(problems, "remote.tls.key_file is required with remote.tls.cert_file")
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "configuration validation")
	}
	return nil
}

func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || strings.ContainsAny(part, " \t*>") {
			return false
		}
	}
	return true
}

// String renders the configuration as JSON with credentials masked
func (c *Config) String() string {
	masked := *c
	masked.Remote.Password = mask(masked.Remote.Password)
	masked.Remote.Token = mask(masked.Remote.Token)
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// ParseDuration parses durations that may use a day suffix, e.g. "14d"
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func envOr(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" || len(v) > maxEnvVarLen {
		return "", false
	}
	return v, true
}
