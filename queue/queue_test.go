package queue

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pablopunk/doce.dev-sub004/stream"
)

func TestEnqueueDefaults(t *testing.T) {
	q, clock := newTestQueue(t)

	job := enqueue(t, q, "hello", EnqueueOptions{ProjectID: "p1", Priority: 3})

	assert.Equal(t, "test.echo", job.Type)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, "p1", job.Project())
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, clock.Now(), job.RunAt)
	assert.JSONEq(t, `{"name":"hello"}`, string(job.Payload))
	assert.Nil(t, job.DedupeKey)
}

func TestEnqueueDelayAndRunAt(t *testing.T) {
	q, clock := newTestQueue(t)

	delayed := enqueue(t, q, "later", EnqueueOptions{Delay: 5 * time.Second})
	assert.Equal(t, clock.Now().Add(5*time.Second), delayed.RunAt)

	at := clock.Now().Add(time.Hour)
	scheduled := enqueue(t, q, "scheduled", EnqueueOptions{RunAt: at, Delay: time.Minute})
	assert.Equal(t, at.Add(time.Minute), scheduled.RunAt)
}

func TestEnqueueRejectsNegativeMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), testPayload{}, EnqueueOptions{MaxAttempts: -1})
	assert.Error(t, err)
}

func TestEnqueueDedupIsIdempotent(t *testing.T) {
	t.Log("Enqueueing twice with the same dedupe key yields one active job")
	q, _ := newTestQueue(t)
	ctx := context.Background()
	opts := EnqueueOptions{ProjectID: "p1", DedupeKey: "compose.up:p1"}

	first, err := q.Enqueue(ctx, testPayload{Name: "a"}, opts)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := q.Enqueue(ctx, testPayload{Name: "b"}, opts)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.JSONEq(t, `{"name":"a"}`, string(second.Job.Payload), "existing job is untouched")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestEnqueueDedupWhileRunning(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	opts := EnqueueOptions{DedupeKey: "k"}

	first, err := q.Enqueue(ctx, testPayload{}, opts)
	require.NoError(t, err)
	_, err = q.Store().ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, testPayload{}, opts)
	require.NoError(t, err)
	assert.False(t, second.Created, "running jobs still hold the key")
	assert.Equal(t, first.Job.ID, second.Job.ID)
}

func TestEnqueueAfterTerminalCreatesNewJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	opts := EnqueueOptions{DedupeKey: "k"}

	first, err := q.Enqueue(ctx, testPayload{}, opts)
	require.NoError(t, err)
	claimed, err := q.Store().ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = q.Store().Settle(ctx, claimed.Lease(), Succeeded())
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, testPayload{}, opts)
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Job.ID, second.Job.ID)
}

func TestEnqueueCustomDedupeActive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, testPayload{}, EnqueueOptions{DedupeKey: "k", DedupeActive: "gen-1"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, testPayload{}, EnqueueOptions{DedupeKey: "k", DedupeActive: "gen-2"})
	require.NoError(t, err)

	assert.True(t, b.Created, "a different marker is a different slot")
	assert.NotEqual(t, a.Job.ID, b.Job.ID)
}

func TestQueuePublishesEvents(t *testing.T) {
	store, _ := newTestStore(t)
	hub := stream.NewHub(16)
	q := NewQueue(store, WithHub(hub))
	ctx := context.Background()

	all := hub.Subscribe(stream.AllTopic)
	defer all.Close()
	project := hub.Subscribe(stream.ProjectTopic("p1"))
	defer project.Close()
	settings := hub.Subscribe(SettingsTopic)
	defer settings.Close()

	job := enqueue(t, q, "x", EnqueueOptions{ProjectID: "p1"})

	evt := <-all.C()
	assert.Equal(t, EventEnqueued, evt.Type)
	assert.Equal(t, job.ID, evt.Data.(*Job).ID)

	evt = <-project.C()
	assert.Equal(t, EventEnqueued, evt.Type)
	assert.Equal(t, stream.ProjectTopic("p1"), evt.Topic)

	_, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	evt = <-all.C()
	assert.Equal(t, EventCancelled, evt.Type)

	_, err = q.Pause(ctx)
	require.NoError(t, err)
	evt = <-settings.C()
	assert.Equal(t, EventSettings, evt.Type)
	assert.True(t, evt.Data.(Settings).Paused)
}

func TestQueueAdminOperations(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := enqueue(t, q, "x", EnqueueOptions{MaxAttempts: 1})
	_, err := q.Store().ClaimNext(ctx, "w1", time.Hour)
	require.NoError(t, err)

	unlocked, err := q.ForceUnlock(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, unlocked.State)

	cancelled, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	retried, err := q.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, retried.State)

	_, err = q.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	n, err := q.DeleteByState(ctx, StateCancelled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := q.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueueSettings(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	s, err := q.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, s.Paused)

	s, err = q.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, s.Paused)

	s, err = q.SetConcurrency(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, s.Concurrency)

	read, err := q.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Concurrency, read.Concurrency)
}

func TestQueueMetrics(t *testing.T) {
	store, _ := newTestStore(t)
	reg := prometheus.NewRegistry()
	q := NewQueue(store, WithMetrics(NewMetrics(reg)))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testPayload{}, EnqueueOptions{DedupeKey: "k"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testPayload{}, EnqueueOptions{DedupeKey: "k"})
	require.NoError(t, err)
	_, err = q.Stats(ctx)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(families, "doce_jobs_enqueued_total"))
	assert.Equal(t, 1.0, counterValue(families, "doce_jobs_deduped_total"))
	assert.Equal(t, 1.0, gaugeValue(families, "doce_queue_jobs", "state", "queued"))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordEnqueued("x", true)
		m.recordProcessed("x", OutcomeRetry)
		m.incInFlight()
		m.decInFlight()
		m.recordClaimError()
		m.recordRecovered(3)
		m.recordStateCounts(map[JobState]int{StateQueued: 1})
	})
	assert.Equal(t, "unknown", normalizeMetricLabel("  "))
}

func counterValue(families []*dto.MetricFamily, name string) float64 {
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(families []*dto.MetricFamily, name, label, value string) float64 {
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
