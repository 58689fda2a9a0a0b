package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "cache"

// envelope wraps a cached value with its expiry. A zero ExpiresAt never
// expires.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

// BoltStore is a file-backed cache for single-host deployments without Redis
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// OpenBoltStore opens (or creates) the cache file at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt cache at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	return &BoltStore{
		db:     db,
		logger: slog.Default().With("component", "bolt-cache"),
		ttl:    DefaultTTL,
		now:    time.Now,
	}, nil
}

// WithClock replaces the wall clock used for expiry
func (s *BoltStore) WithClock(now func() time.Time) *BoltStore {
	s.now = now
	return s
}

// Close releases the cache file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get loads key into target. Expired entries count as misses and are
// removed lazily.
func (s *BoltStore) Get(_ context.Context, key string, target interface{}) (bool, error) {
	var env envelope
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &env)
	})
	if err != nil {
		return false, fmt.Errorf("bolt get failed for key %s: %w", key, err)
	}
	if !found {
		s.logger.Debug("cache miss", "key", key)
		return false, nil
	}

	if !env.ExpiresAt.IsZero() && !s.now().Before(env.ExpiresAt) {
		if err := s.Delete(context.Background(), key); err != nil {
			s.logger.Warn("failed to evict expired entry", "key", key, "error", err)
		}
		return false, nil
	}

	if err := json.Unmarshal(env.Value, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value for key %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value with the default TTL
func (s *BoltStore) Set(ctx context.Context, key string, value interface{}) error {
	return s.SetWithTTL(ctx, key, value, s.ttl)
}

// SetWithTTL stores a value that expires after ttl. A non-positive ttl
// keeps it until deleted.
func (s *BoltStore) SetWithTTL(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}

	env := envelope{Value: raw}
	if ttl > 0 {
		env.ExpiresAt = s.now().Add(ttl)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for key %s: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

// Delete removes a key
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// DeletePrefix removes every key starting with prefix
func (s *BoltStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, fmt.Errorf("refusing to delete with an empty prefix")
	}

	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		var keys [][]byte
		c := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt delete failed for prefix %s: %w", prefix, err)
	}

	if deleted > 0 {
		s.logger.Info("cache prefix delete", "prefix", prefix, "deleted", deleted)
	}
	return deleted, nil
}
