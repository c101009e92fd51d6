package objectstore

import "github.com/c360/entitycache/errors"

// Config holds configuration for an ObjectStore-backed blob store
type Config struct {
	// BucketName is the NATS JetStream ObjectStore bucket
	BucketName string `json:"bucket_name"`

	// Description is set on the bucket when it is created
	Description string `json:"description,omitempty"`

	// DataCache configures the in-memory LRU in front of Get
	DataCache CacheConfig `json:"data_cache"`
}

// CacheConfig configures the read cache
type CacheConfig struct {
	Enabled bool `json:"enabled"`
	MaxSize int  `json:"max_size"`
}

// DefaultConfig returns the default configuration: bucket ENTITY_BLOBS with
// a read cache of 256 blobs
func DefaultConfig() Config {
	return Config{
		BucketName:  "ENTITY_BLOBS",
		Description: "entitycache binary payloads",
		DataCache: CacheConfig{
			Enabled: true,
			MaxSize: 256,
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BucketName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "objectstore", "Validate", "bucket name is required")
	}
	if c.DataCache.Enabled && c.DataCache.MaxSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "objectstore", "Validate", "cache size must be positive")
	}
	return nil
}
