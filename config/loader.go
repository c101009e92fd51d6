package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/entitycache/errors"
)

const (
	maxConfigSize = 4 << 20
	maxEnvVarLen  = 10000

	// DefaultEnvPrefix prefixes every environment override
	DefaultEnvPrefix = "ENTITYCACHE"
)

// durationKeys are converted from strings such as "30s" or "14d" before decoding
var durationKeys = map[string]bool{
	"busy_timeout":   true,
	"max_age":        true,
	"sweep_interval": true,
	"stop_timeout":   true,
	"timeout":        true,
	"initial_delay":  true,
	"max_delay":      true,
	"reconnect_wait": true,
}

// Loader builds a Config from defaults, file layers and the environment
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles validation of the final configuration
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a single file on top of the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers and applies environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if err := convertDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func safeReadFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", clean)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(clean)
}

// convertDurations rewrites duration strings to nanoseconds, recursively
func convertDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := convertDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m[k] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	p := l.envPrefix + "_"

	if v, ok := envOr(p + "STORE_PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := envOr(p + "IDENTITY_CACHE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", p+"IDENTITY_CACHE_SIZE")
		}
		cfg.Identity.CacheSize = n
	}
	if v, ok := envOr(p + "REMOTE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", p+"REMOTE_ENABLED")
		}
		cfg.Remote.Enabled = b
	}
	if v, ok := envOr(p + "REMOTE_URLS"); ok {
		cfg.Remote.URLs = strings.Split(v, ",")
	}
	if v, ok := envOr(p + "REMOTE_SUBJECT_PREFIX"); ok {
		cfg.Remote.SubjectPrefix = v
	}
	if v, ok := envOr(p + "REMOTE_TOKEN"); ok {
		cfg.Remote.Token = v
	}
	if v, ok := envOr(p + "BLOBS_BACKEND"); ok {
		cfg.Blobs.Backend = v
	}
	if v, ok := envOr(p + "BLOBS_DIR"); ok {
		cfg.Blobs.Dir = v
	}
	if v, ok := envOr(p + "LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := envOr(p + "LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	return nil
}
