package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	doctest "github.com/pablopunk/doce.dev-sub004/internal/testing"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testPayload is a generic payload used across queue tests.
type testPayload struct {
	Name string `json:"name"`
}

func (testPayload) JobType() string { return "test.echo" }

// otherPayload has a different tag.
type otherPayload struct {
	N int `json:"n"`
}

func (otherPayload) JobType() string { return "test.other" }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewStore(doctest.CreateTestDB(t), WithClock(clock.Now)), clock
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	store, clock := newTestStore(t)
	return NewQueue(store), clock
}

// enqueue is a terse Enqueue that fails the test on error.
func enqueue(t *testing.T, q *Queue, name string, opts EnqueueOptions) *Job {
	t.Helper()
	res, err := q.Enqueue(context.Background(), testPayload{Name: name}, opts)
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	return res.Job
}

// insertRaw inserts a job directly through the store.
func insertRaw(t *testing.T, s *Store, mutate func(*Job)) *Job {
	t.Helper()
	job, err := NewJob("test.echo", json.RawMessage(`{"name":"raw"}`), s.Now())
	require.NoError(t, err)
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, s.Insert(context.Background(), job))
	return job
}

func mustGet(t *testing.T, s *Store, id string) *Job {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}
