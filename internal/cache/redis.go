package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"atrium-realtime/internal/model"
)

// RedisClient wraps the Redis client for the trace bulk-read cache and
// the change feed
type RedisClient struct {
	client   *redis.Client
	cacheTTL time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int, cacheTTL time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client, cacheTTL: cacheTTL}, nil
}

// Client returns the underlying client (shared with presence)
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping health check
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func recentKey(lobbyID string) string {
	return "lobby:" + lobbyID + ":traces:recent"
}

// versionKey per-lobby counter bumped on every mutation
func versionKey(lobbyID string) string {
	return "lobby:" + lobbyID + ":traces:version"
}

// CacheVersion current mutation counter of a lobby (0 if never mutated).
// Read it before the database read that will refill the cache.
func (r *RedisClient) CacheVersion(ctx context.Context, lobbyID string) (int64, error) {
	v, err := r.client.Get(ctx, versionKey(lobbyID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// GetRecentTraces returns the cached bulk read for a lobby. ok is false on
// a miss.
func (r *RedisClient) GetRecentTraces(ctx context.Context, lobbyID string) ([]model.TraceRow, bool, error) {
	data, err := r.client.Get(ctx, recentKey(lobbyID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rows []model.TraceRow
	if err := json.Unmarshal(data, &rows); err != nil {
		// corrupted entry: drop it and treat as a miss
		r.client.Del(ctx, recentKey(lobbyID))
		return nil, false, nil
	}
	return rows, true, nil
}

// SetRecentTraces caches a bulk read for cacheTTL, but only while the
// lobby is still at version. stored is false when a mutation happened
// since version was read.
func (r *RedisClient) SetRecentTraces(ctx context.Context, lobbyID string, version int64, rows []model.TraceRow) (bool, error) {
	if r.cacheTTL <= 0 {
		return false, nil
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return false, err
	}

	vkey := versionKey(lobbyID)
	stored := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recentKey(lobbyID), data, r.cacheTTL)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, vkey)
	if errors.Is(err, redis.TxFailedErr) {
		// version bumped between GET and EXEC
		return false, nil
	}
	return stored, err
}

// InvalidateLobby bumps the lobby version and drops the cached bulk read
func (r *RedisClient) InvalidateLobby(ctx context.Context, lobbyID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(lobbyID))
		pipe.Del(ctx, recentKey(lobbyID))
		return nil
	})
	return err
}
