package rediscache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"evmingest/internal/application"

	"github.com/redis/go-redis/v9"
)

const checkpointKeyPrefix = "evmingest:checkpoint:"

type Config struct {
	Addr string
}

// CheckpointStore mirrors every checkpoint write into Redis for cheap polling by readers. Reads go to the wrapped
// store, which stays authoritative.
type CheckpointStore struct {
	application.CheckpointStore
	cache *redis.Client
}

func NewCheckpointStore(base application.CheckpointStore, cfg Config) (*CheckpointStore, error) {
	if base == nil {
		return nil, errors.New("base checkpoint store is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CheckpointStore{CheckpointStore: base}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CheckpointStore{CheckpointStore: base, cache: client}, nil
}

// SetCheckpoint writes through to the base store. A failed mirror write is logged and never fails the checkpoint.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, key string, position uint64) error {
	if err := s.CheckpointStore.SetCheckpoint(ctx, key, position); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Set(ctx, checkpointKeyPrefix+key, strconv.FormatUint(position, 10), 0).Err(); err != nil {
		slog.Warn("failed to mirror checkpoint", "key", key, "checkpoint", position, "err", err)
	}
	return nil
}

// Mirrored reads the mirrored position. ok is false when mirroring is disabled or nothing was mirrored yet.
func (s *CheckpointStore) Mirrored(ctx context.Context, key string) (uint64, bool, error) {
	if s.cache == nil {
		return 0, false, nil
	}
	value, err := s.cache.Get(ctx, checkpointKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	position, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return position, true, nil
}

func (s *CheckpointStore) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}
