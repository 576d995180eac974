package prefixcache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TieredStore puts a fast local store in front of a remote one. Reads try
// local first and backfill it on a remote hit; writes and deletes go to
// both. Remote failures on the read path degrade to a miss instead of
// erroring: the cache must never take a request down with it.
type TieredStore struct {
	local    Store
	remote   Store
	localTTL time.Duration
	logger   *zap.Logger
}

// NewTieredStore combines local and remote tiers. localTTL bounds how long
// backfilled entries live in the local tier; zero reuses the write TTL.
func NewTieredStore(local, remote Store, localTTL time.Duration, logger *zap.Logger) *TieredStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredStore{local: local, remote: remote, localTTL: localTTL, logger: logger}
}

func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, err := s.local.Get(ctx, key); err == nil && ok {
		return value, true, nil
	}

	value, ok, err := s.remote.Get(ctx, key)
	if err != nil {
		s.logger.Warn("remote cache tier unavailable", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}

	if err := s.local.Set(ctx, key, value, s.localTTL); err != nil {
		s.logger.Warn("local cache backfill failed", zap.String("key", key), zap.Error(err))
	}
	return value, true, nil
}

func (s *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := s.localTTL
	if localTTL <= 0 {
		localTTL = ttl
	}
	if err := s.local.Set(ctx, key, value, localTTL); err != nil {
		s.logger.Warn("local cache set failed", zap.String("key", key), zap.Error(err))
	}
	return s.remote.Set(ctx, key, value, ttl)
}

func (s *TieredStore) Delete(ctx context.Context, key string) error {
	if err := s.local.Delete(ctx, key); err != nil {
		s.logger.Warn("local cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return s.remote.Delete(ctx, key)
}

// Len reports the remote tier's count; the local tier is a subset.
func (s *TieredStore) Len(ctx context.Context) (int, error) {
	return s.remote.Len(ctx)
}
