package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/natsclient"
	"github.com/c360/entitycache/pkg/cache"
	"github.com/c360/entitycache/storage"
)

// Bucket is the part of jetstream.ObjectStore the store uses
type Bucket interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, opts ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error)
}

// Options are the optional collaborators of a Store
type Options struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Store implements storage.Store on a NATS JetStream ObjectStore bucket
type Store struct {
	bucket  Bucket
	name    string
	cache   *cache.LRU[string, []byte]
	metrics *storeMetrics
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStoreWithConfig opens the bucket named in cfg, creating it when
// needed, and returns a Store on it
func NewStoreWithConfig(ctx context.Context, client *natsclient.Client, cfg Config, opts Options) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bucket, err := client.ObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BucketName,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, err
	}
	return NewStore(bucket, cfg, opts)
}

// NewStore wraps an open bucket
func NewStore(bucket Bucket, cfg Config, opts Options) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		bucket: bucket,
		name:   cfg.BucketName,
		logger: opts.Logger.With("component", "objectstore", "bucket", cfg.BucketName),
	}
	if cfg.DataCache.Enabled {
		lru, err := cache.NewLRU[string, []byte](cfg.DataCache.MaxSize)
		if err != nil {
			return nil, err
		}
		s.cache = lru
	}
	metrics, err := newStoreMetrics(opts.MetricsRegistry, cfg.BucketName)
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "NewStore", "metrics registration")
	}
	s.metrics = metrics
	return s, nil
}

func (s *Store) checkKey(method, key string) error {
	if !storage.ValidKey(key) {
		return errors.WrapInvalid(errors.ErrInvalidData, "objectstore", method, "invalid key "+key)
	}
	return nil
}

// Put implements storage.Store. The bucket keeps the previous revision
// until JetStream purges it; readers only see the latest.
func (s *Store) Put(ctx context.Context, key string, data []byte) (err error) {
	if err := s.checkKey("Put", key); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.metrics.observe("put", start, err) }()

	if _, err := s.bucket.PutBytes(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "objectstore", "Put", "put "+key)
	}
	if s.cache != nil {
		s.cache.Set(key, bytes.Clone(data))
	}
	return nil
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) (data []byte, err error) {
	if err := s.checkKey("Get", key); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			s.metrics.recordCache(true)
			return bytes.Clone(cached), nil
		}
		s.metrics.recordCache(false)
	}

	start := time.Now()
	defer func() { s.metrics.observe("get", start, err) }()

	data, err = s.bucket.GetBytes(ctx, key)
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, errors.NotFound("objectstore", "Get", "no blob %s in bucket %s", key, s.name)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "Get", "get "+key)
	}
	if s.cache != nil {
		s.cache.Set(key, bytes.Clone(data))
	}
	return data, nil
}

// List implements storage.Store. ObjectStore has no prefix index, so the
// bucket listing is filtered here.
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("list", start, err) }()

	infos, err := s.bucket.List(ctx)
	if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "List", "list bucket "+s.name)
	}

	keys = []string{}
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	if err := s.checkKey("Delete", key); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	if s.cache != nil {
		s.cache.Delete(key)
	}
	err = s.bucket.Delete(ctx, key)
	if err == nil || stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return errors.WrapTransient(err, "objectstore", "Delete", "delete "+key)
}

// Close releases the read cache
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Clear()
	}
	return nil
}
