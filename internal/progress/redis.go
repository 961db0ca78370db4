package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "pageblocks:progress"
	defaultRedisTTL    = time.Hour
	// An active marker outlives any sane run so a crashed worker cannot pin a page forever.
	activeMarkerTTL = 6 * time.Hour
)

// RedisStore shares progress between processes. Each page uses three keys:
// the JSON snapshot, an active-run marker taken with SETNX, and a cancel flag.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *RedisStore) snapshotKey(postID uint64) string {
	return s.prefix + ":" + strconv.FormatUint(postID, 10)
}

func (s *RedisStore) activeKey(postID uint64) string {
	return s.snapshotKey(postID) + ":active"
}

func (s *RedisStore) cancelKey(postID uint64) string {
	return s.snapshotKey(postID) + ":cancel"
}

func (s *RedisStore) Begin(ctx context.Context, p Progress) error {
	acquired, errSetNX := s.client.SetNX(ctx, s.activeKey(p.PostID), p.RunID, activeMarkerTTL).Result()
	if errSetNX != nil {
		return fmt.Errorf("progress: acquire run marker: %w", errSetNX)
	}
	if !acquired {
		return ErrRunInProgress
	}
	payload, errMarshal := json.Marshal(p)
	if errMarshal != nil {
		s.client.Del(ctx, s.activeKey(p.PostID))
		return fmt.Errorf("progress: encode snapshot: %w", errMarshal)
	}
	_, errExec := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(p.PostID), payload, s.ttl)
		pipe.Del(ctx, s.cancelKey(p.PostID))
		return nil
	})
	if errExec != nil {
		s.client.Del(ctx, s.activeKey(p.PostID))
		return fmt.Errorf("progress: store snapshot: %w", errExec)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, postID uint64, fn func(*Progress)) (Progress, error) {
	current, errGet := s.Get(ctx, postID)
	if errGet != nil {
		return Progress{}, errGet
	}
	wasRunning := current.Running()
	fn(&current)
	now := s.now()
	current.UpdatedAt = now
	finished := wasRunning && !current.Running()
	if finished && current.FinishedAt == nil {
		finishedAt := now
		current.FinishedAt = &finishedAt
	}

	payload, errMarshal := json.Marshal(current)
	if errMarshal != nil {
		return Progress{}, fmt.Errorf("progress: encode snapshot: %w", errMarshal)
	}
	_, errExec := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(postID), payload, s.ttl)
		if finished {
			pipe.Del(ctx, s.activeKey(postID), s.cancelKey(postID))
		}
		return nil
	})
	if errExec != nil {
		return Progress{}, fmt.Errorf("progress: store snapshot: %w", errExec)
	}
	return current, nil
}

func (s *RedisStore) Get(ctx context.Context, postID uint64) (Progress, error) {
	raw, errGet := s.client.Get(ctx, s.snapshotKey(postID)).Bytes()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("progress: load snapshot: %w", errGet)
	}
	var p Progress
	if errUnmarshal := json.Unmarshal(raw, &p); errUnmarshal != nil {
		return Progress{}, fmt.Errorf("progress: decode snapshot: %w", errUnmarshal)
	}
	if p.Running() {
		cancelled, errCancel := s.CancelRequested(ctx, postID)
		if errCancel != nil {
			return Progress{}, errCancel
		}
		p.CancelRequested = p.CancelRequested || cancelled
	}
	return p, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, postID uint64) (bool, error) {
	runID, errGet := s.client.Get(ctx, s.activeKey(postID)).Result()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("progress: load run marker: %w", errGet)
	}
	if errSet := s.client.Set(ctx, s.cancelKey(postID), runID, activeMarkerTTL).Err(); errSet != nil {
		return false, fmt.Errorf("progress: set cancel flag: %w", errSet)
	}
	return true, nil
}

func (s *RedisStore) CancelRequested(ctx context.Context, postID uint64) (bool, error) {
	n, errExists := s.client.Exists(ctx, s.cancelKey(postID)).Result()
	if errExists != nil {
		return false, fmt.Errorf("progress: read cancel flag: %w", errExists)
	}
	return n > 0, nil
}

func (s *RedisStore) Abandon(ctx context.Context, postID uint64, staleBefore time.Time) (bool, error) {
	n, errExists := s.client.Exists(ctx, s.activeKey(postID)).Result()
	if errExists != nil {
		return false, fmt.Errorf("progress: load run marker: %w", errExists)
	}
	if n == 0 {
		return false, nil
	}
	current, errGet := s.Get(ctx, postID)
	switch {
	case errors.Is(errGet, ErrNotFound), errGet == nil && !current.Running():
		// No running snapshot backs the marker; only the marker is left to release.
		if errDel := s.client.Del(ctx, s.activeKey(postID), s.cancelKey(postID)).Err(); errDel != nil {
			return false, fmt.Errorf("progress: release run marker: %w", errDel)
		}
		return true, nil
	case errGet != nil:
		return false, errGet
	case !current.UpdatedAt.Before(staleBefore):
		return false, nil
	}
	if _, errUpdate := s.Update(ctx, postID, abandon); errUpdate != nil {
		return false, errUpdate
	}
	return true, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if errPing := s.client.Ping(ctx).Err(); errPing != nil {
		return fmt.Errorf("progress: ping redis: %w", errPing)
	}
	return nil
}
