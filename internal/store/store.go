package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBbolt  = "bbolt"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

var ErrKeyRequired = errors.New("store key is required")

// KV is the narrow durable key-value port used for checkpoints. Writes are
// last-write-wins per key; no backend offers read-modify-write.
type KV interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	Backend() string
	Close() error
}

type Options struct {
	Backend  string
	Path     string
	RedisURL string
	// TTL bounds how long the redis backend keeps a key; zero means no expiry.
	TTL time.Duration
}

func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("path is required for file store")
		}
		return NewFileStore(opts.Path), nil
	case "", BackendBbolt:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("db path is required for bbolt store")
		}
		return NewBboltStore(opts.Path)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.TTL)
	case BackendSQLite:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("db path is required for sqlite store")
		}
		return NewSQLiteStore(ctx, opts.Path)
	default:
		return nil, errors.New("unsupported store backend: " + opts.Backend)
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	return key, nil
}
