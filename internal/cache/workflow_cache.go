// Package cache keeps recently viewed workflows in redis so list and detail
// screens do not hit postgres on every refresh.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

const (
	keyPrefix = "approvals:workflow:"
	genPrefix = "approvals:workflow-gen:"
)

// store is the subset of redis.Cmdable the cache uses.
type store interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// WorkflowCache stores workflow snapshots as JSON with a TTL.
//
// Every workflow has a generation counter that Invalidate bumps. A snapshot
// records the generation it was read under and Get serves it only while that
// generation is current, so a fill that raced a commit is never served.
type WorkflowCache struct {
	rdb store
	ttl time.Duration
	log *logger.Logger
}

type snapshot struct {
	Generation int64                `json:"generation"`
	Workflow   *repository.Workflow `json:"workflow"`
}

// NewWorkflowCache creates a new WorkflowCache.
func NewWorkflowCache(rdb store, ttl time.Duration, log *logger.Logger) *WorkflowCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WorkflowCache{rdb: rdb, ttl: ttl, log: log}
}

func key(id string) string    { return keyPrefix + id }
func genKey(id string) string { return genPrefix + id }

// Get returns the cached workflow, or nil on a miss. The returned generation
// is the token to pass to Set after reading the store.
func (c *WorkflowCache) Get(ctx context.Context, id string) (*repository.Workflow, int64, error) {
	vals, err := c.rdb.MGet(ctx, key(id), genKey(id)).Result()
	if err != nil {
		return nil, 0, errors.Connectivity(err, "read workflow cache")
	}
	var gen int64
	if raw, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "parse workflow cache generation")
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.Workflow == nil {
		// A snapshot from an older layout; drop it and read through.
		_ = c.rdb.Del(ctx, key(id)).Err()
		return nil, gen, nil
	}
	if snap.Generation != gen {
		return nil, gen, nil
	}
	return snap.Workflow, gen, nil
}

// Set stores wf under its ID, tagged with the generation Get returned before
// the store was read.
func (c *WorkflowCache) Set(ctx context.Context, wf *repository.Workflow, gen int64) error {
	data, err := json.Marshal(snapshot{Generation: gen, Workflow: wf})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode workflow for cache")
	}
	if err := c.rdb.Set(ctx, key(wf.ID), data, c.ttl).Err(); err != nil {
		return errors.Connectivity(err, "write workflow cache")
	}
	return nil
}

// Invalidate bumps the generation of id and drops its snapshot. The counter
// outlives any snapshot written under an older generation.
func (c *WorkflowCache) Invalidate(ctx context.Context, id string) error {
	if err := c.rdb.Incr(ctx, genKey(id)).Err(); err != nil {
		return errors.Connectivity(err, "invalidate workflow cache")
	}
	if err := c.rdb.Expire(ctx, genKey(id), 2*c.ttl).Err(); err != nil {
		return errors.Connectivity(err, "invalidate workflow cache")
	}
	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		return errors.Connectivity(err, "invalidate workflow cache")
	}
	return nil
}

// Consume drops cached snapshots as realtime events arrive, including events
// relayed from other instances. It resubscribes when the hub drops it and
// returns when ctx ends.
func (c *WorkflowCache) Consume(ctx context.Context, hub *realtime.Hub) {
	for ctx.Err() == nil {
		sub := hub.Subscribe("cache-invalidator")
		c.drain(ctx, sub)
		hub.Unsubscribe(sub)
	}
}

func (c *WorkflowCache) drain(ctx context.Context, sub *realtime.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				c.log.Info().Msg("Cache invalidator resubscribing")
				return
			}
			if err := c.Invalidate(ctx, evt.Data.WorkflowID); err != nil {
				c.log.Warn().Err(err).Str("workflow_id", evt.Data.WorkflowID).Msg("Workflow cache invalidation failed")
			}
		}
	}
}
