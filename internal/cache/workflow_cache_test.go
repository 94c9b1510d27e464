package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	down error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return redis.NewSliceResult(nil, f.down)
	}
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return redis.NewIntResult(0, f.down)
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return redis.NewBoolResult(false, nil)
	}
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return redis.NewStatusResult("", f.down)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func sampleWorkflow() *repository.Workflow {
	return &repository.Workflow{
		ID:             "wf-1",
		WorkflowNumber: "WD-20261001-ABC123",
		Status:         repository.StatusPending,
		CurrentStage:   repository.StageClerkReview,
		Priority:       repository.PriorityHigh,
		Version:        3,
		WithdrawalRequest: repository.WithdrawalRequest{
			ID:       "w-1",
			Amount:   decimal.RequireFromString("1250.50"),
			Currency: "USD",
		},
	}
}

func TestWorkflowCache_RoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	c := NewWorkflowCache(rdb, time.Minute, logger.Nop())
	ctx := context.Background()

	got, gen, err := c.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got, "miss")
	assert.Zero(t, gen)

	require.NoError(t, c.Set(ctx, sampleWorkflow(), gen))
	assert.Equal(t, time.Minute, rdb.ttls["approvals:workflow:wf-1"])

	got, _, err = c.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, repository.StageClerkReview, got.CurrentStage)
	assert.True(t, got.WithdrawalRequest.Amount.Equal(decimal.RequireFromString("1250.50")))

	require.NoError(t, c.Invalidate(ctx, "wf-1"))
	assert.False(t, rdb.has("approvals:workflow:wf-1"))
	assert.Equal(t, 2*time.Minute, rdb.ttls["approvals:workflow-gen:wf-1"])

	got, gen, err = c.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), gen)
}

func TestWorkflowCache_FillRacingInvalidateIsNotServed(t *testing.T) {
	rdb := newFakeRedis()
	c := NewWorkflowCache(rdb, time.Minute, logger.Nop())
	ctx := context.Background()

	_, gen, err := c.Get(ctx, "wf-1")
	require.NoError(t, err)
	stale := sampleWorkflow()

	// A commit lands between the store read and the fill.
	require.NoError(t, c.Invalidate(ctx, "wf-1"))
	require.NoError(t, c.Set(ctx, stale, gen))

	got, current, err := c.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got, "snapshot from an older generation")
	assert.Equal(t, gen+1, current)

	fresh := sampleWorkflow()
	fresh.Version = 4
	require.NoError(t, c.Set(ctx, fresh, current))
	got, _, err = c.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.Version)
}

func TestWorkflowCache_CorruptEntryIsDropped(t *testing.T) {
	rdb := newFakeRedis()
	rdb.data["approvals:workflow:wf-1"] = "{not json"
	c := NewWorkflowCache(rdb, 0, logger.Nop())

	got, _, err := c.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, rdb.has("approvals:workflow:wf-1"))
}

func TestWorkflowCache_Unavailable(t *testing.T) {
	rdb := newFakeRedis()
	rdb.down = fmt.Errorf("dial tcp: connection refused")
	c := NewWorkflowCache(rdb, 0, logger.Nop())

	_, _, err := c.Get(context.Background(), "wf-1")
	assert.True(t, errors.IsConnectivity(err))
	assert.True(t, errors.IsConnectivity(c.Set(context.Background(), sampleWorkflow(), 0)))
	assert.True(t, errors.IsConnectivity(c.Invalidate(context.Background(), "wf-1")))
}

func TestWorkflowCache_ConsumeInvalidatesOnEvents(t *testing.T) {
	rdb := newFakeRedis()
	c := NewWorkflowCache(rdb, 0, logger.Nop())
	hub := realtime.NewHub(4, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Set(ctx, sampleWorkflow(), 0))
	done := make(chan struct{})
	go func() {
		c.Consume(ctx, hub)
		close(done)
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	// A dropped subscriber comes back.
	hub.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, realtime.Event{
		Type: realtime.EventWorkflowUpdate,
		Data: realtime.Delta{EventID: "e-1", WorkflowID: "wf-1", Version: 4},
	}))
	require.Eventually(t, func() bool { return !rdb.has("approvals:workflow:wf-1") }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return")
	}
}
