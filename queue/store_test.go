package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

const testLease = 100 * time.Millisecond

func TestInsertAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := insertRaw(t, store, func(j *Job) {
		j.ProjectID = strPtr("proj-1")
		j.Priority = 5
	})

	got := mustGet(t, store, job.ID)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "proj-1", got.Project())
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, DefaultMaxAttempts, got.MaxAttempts)
	assert.JSONEq(t, `{"name":"raw"}`, string(got.Payload))
	assert.Equal(t, job.RunAt, got.RunAt)
	assert.Nil(t, got.LockedBy)

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestInsertRejectsBadJobs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job, err := NewJob("test.echo", nil, store.Now())
	require.NoError(t, err)
	job.MaxAttempts = 0
	assert.True(t, errors.IsInvalidRequestError(store.Insert(ctx, job)))

	job.MaxAttempts = 1
	job.State = StateRunning
	assert.ErrorIs(t, store.Insert(ctx, job), ErrInvalidTransition)

	_, err = NewJob("", nil, store.Now())
	assert.Error(t, err)

	_, err = NewJob("test.echo", []byte("{not json"), store.Now())
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestInsertDuplicateDedupeKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("compose.up:p1") })
	require.NotNil(t, first.DedupeActive, "insert fills the default marker")
	assert.Equal(t, DefaultDedupeActive, *first.DedupeActive)

	dup, err := NewJob("test.echo", nil, store.Now())
	require.NoError(t, err)
	dup.DedupeKey = strPtr("compose.up:p1")

	err = store.Insert(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.True(t, errors.IsConflictError(err), "dedupe conflicts are resource conflicts")
}

func TestClaimNextEmptyQueue(t *testing.T) {
	store, _ := newTestStore(t)

	job, err := store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextSetsLease(t *testing.T) {
	store, clock := newTestStore(t)
	queued := insertRaw(t, store, nil)

	job, err := store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, queued.ID, job.ID)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "w1", *job.LockedBy)
	require.NotNil(t, job.LockExpiresAt)
	assert.Equal(t, clock.Now().Add(testLease), *job.LockExpiresAt)

	lease := job.Lease()
	assert.Equal(t, Lease{JobID: job.ID, WorkerID: "w1", Attempt: 1, ExpiresAt: *job.LockExpiresAt}, lease)
}

func TestClaimNextValidatesArguments(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.ClaimNext(context.Background(), "", testLease)
	assert.Error(t, err)
	_, err = store.ClaimNext(context.Background(), "w1", 0)
	assert.Error(t, err)
}

func TestClaimNextSkipsFutureJobs(t *testing.T) {
	store, clock := newTestStore(t)
	insertRaw(t, store, func(j *Job) { j.RunAt = clock.Now().Add(time.Minute) })

	job, err := store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	assert.Nil(t, job, "job is not due yet")

	clock.Advance(time.Minute)
	job, err = store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	assert.NotNil(t, job, "job is claimable once run_at passes")
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	t.Log("Enqueue five jobs with mixed priorities at the same instant")
	store, _ := newTestStore(t)

	low1 := insertRaw(t, store, func(j *Job) { j.Priority = 0 })
	high := insertRaw(t, store, func(j *Job) { j.Priority = 10 })
	low2 := insertRaw(t, store, func(j *Job) { j.Priority = 0 })
	mid := insertRaw(t, store, func(j *Job) { j.Priority = 5 })
	low3 := insertRaw(t, store, func(j *Job) { j.Priority = 0 })

	want := []string{high.ID, mid.ID, low1.ID, low2.ID, low3.ID}
	var got []string
	for range want {
		job, err := store.ClaimNext(context.Background(), "w1", testLease)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
	}

	assert.Equal(t, want, got, "priority DESC, then insertion order")
}

func TestClaimOrderEarlierRunAtFirst(t *testing.T) {
	store, clock := newTestStore(t)
	base := clock.Now()

	later := insertRaw(t, store, func(j *Job) { j.RunAt = base.Add(-time.Second) })
	earlier := insertRaw(t, store, func(j *Job) { j.RunAt = base.Add(-time.Minute) })

	first, err := store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, first.ID)

	second, err := store.ClaimNext(context.Background(), "w1", testLease)
	require.NoError(t, err)
	assert.Equal(t, later.ID, second.ID)
}

func TestProjectMutualExclusion(t *testing.T) {
	t.Log("Two jobs for the same project: only one may run at a time")
	store, _ := newTestStore(t)
	ctx := context.Background()

	a := insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("P") })
	b := insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("P") })
	other := insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("Q") })

	first, err := store.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, a.ID, first.ID)

	second, err := store.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, other.ID, second.ID, "P is busy, so the Q job is claimed")

	none, err := store.ClaimNext(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "B must wait while A runs")

	ok, err := store.Settle(ctx, first.Lease(), Succeeded())
	require.NoError(t, err)
	require.True(t, ok)

	next, err := store.ClaimNext(ctx, "w3", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID, "B runs after A is terminal")
}

func TestJobsWithoutProjectRunInParallel(t *testing.T) {
	store, _ := newTestStore(t)
	insertRaw(t, store, nil)
	insertRaw(t, store, nil)

	for _, w := range []string{"w1", "w2"} {
		job, err := store.ClaimNext(context.Background(), w, time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, job, "unscoped jobs are not mutually exclusive")
	}
}

func TestNoDoubleClaimUnderContention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const jobs = 30
	const claimers = 8
	for i := 0; i < jobs; i++ {
		insertRaw(t, store, nil)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		dupes   []string
		wg      sync.WaitGroup
		errs    = make(chan error, claimers)
	)
	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, worker, time.Minute)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, seen := claimed[job.ID]; seen {
					dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", job.ID, prev, worker))
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", c))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Empty(t, dupes)
	assert.Len(t, claimed, jobs, "every job claimed exactly once")
}

func TestNoDoubleClaimSameProjectUnderContention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("P") })
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := store.ClaimNext(ctx, worker, time.Minute)
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", c))
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one job of the project is running")
}

func TestLeaseReclaimAfterExpiry(t *testing.T) {
	t.Log("Worker A claims with a 100ms lease and goes silent")
	store, clock := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)

	a, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	require.NotNil(t, a)

	none, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "lease still held")

	clock.Advance(testLease + time.Millisecond)

	b, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, "B", *b.LockedBy)

	t.Log("A's stale lease is fenced out")
	hb, err := store.Heartbeat(ctx, a.Lease(), testLease)
	require.NoError(t, err)
	assert.False(t, hb.Held)

	settled, err := store.Settle(ctx, a.Lease(), Succeeded())
	require.NoError(t, err)
	assert.False(t, settled, "old owner cannot settle")
	assert.Equal(t, StateRunning, mustGet(t, store, a.ID).State)

	settled, err = store.Settle(ctx, b.Lease(), Succeeded())
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestLeaseReclaimRespectsMaxAttempts(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	job := insertRaw(t, store, func(j *Job) { j.MaxAttempts = 1 })

	_, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	clock.Advance(time.Second)

	none, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "no attempts left to reclaim with")

	recovered, err := store.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, job.ID, recovered[0].ID)
	assert.Equal(t, StateFailed, recovered[0].State)
	require.NotNil(t, recovered[0].LastError)
	assert.Equal(t, LeaseExpiredMessage, *recovered[0].LastError)
}

func TestRecoverExpiredUnblocksProject(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	insertRaw(t, store, func(j *Job) {
		j.ProjectID = strPtr("P")
		j.MaxAttempts = 1
	})
	waiting := insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("P") })

	_, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	clock.Advance(time.Second)

	none, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "exhausted expired job still blocks its project")

	_, err = store.RecoverExpired(ctx)
	require.NoError(t, err)

	next, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, waiting.ID, next.ID)
}

func TestRecoverExpiredLeavesLiveLeases(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, func(j *Job) { j.MaxAttempts = 1 })

	_, err := store.ClaimNext(ctx, "A", time.Minute)
	require.NoError(t, err)

	recovered, err := store.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)

	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)

	clock.Advance(80 * time.Millisecond)
	hb, err := store.Heartbeat(ctx, job.Lease(), testLease)
	require.NoError(t, err)
	assert.True(t, hb.Held)
	assert.False(t, hb.CancelRequested)
	assert.Equal(t, clock.Now().Add(testLease), hb.ExpiresAt)

	clock.Advance(80 * time.Millisecond)
	none, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "heartbeat kept the lease alive past the original expiry")
}

func TestSettleOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded clears lease and dedupe marker", func(t *testing.T) {
		store, _ := newTestStore(t)
		insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("k") })
		job, err := store.ClaimNext(ctx, "A", testLease)
		require.NoError(t, err)

		ok, err := store.Settle(ctx, job.Lease(), Succeeded())
		require.NoError(t, err)
		require.True(t, ok)

		got := mustGet(t, store, job.ID)
		assert.Equal(t, StateSucceeded, got.State)
		assert.Nil(t, got.LockedBy)
		assert.Nil(t, got.LockExpiresAt)
		assert.Nil(t, got.DedupeActive)
		assert.NotNil(t, got.DedupeKey, "key is kept for history")
	})

	t.Run("retry requeues with run_at and error", func(t *testing.T) {
		store, clock := newTestStore(t)
		insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("k") })
		job, err := store.ClaimNext(ctx, "A", testLease)
		require.NoError(t, err)

		runAt := clock.Now().Add(2 * time.Second)
		ok, err := store.Settle(ctx, job.Lease(), Retry(errors.New("compose not ready"), runAt))
		require.NoError(t, err)
		require.True(t, ok)

		got := mustGet(t, store, job.ID)
		assert.Equal(t, StateQueued, got.State)
		assert.Equal(t, runAt, got.RunAt)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "compose not ready", *got.LastError)
		assert.NotNil(t, got.DedupeActive, "retrying jobs keep their dedupe slot")
	})

	t.Run("failed records error", func(t *testing.T) {
		store, _ := newTestStore(t)
		insertRaw(t, store, nil)
		job, err := store.ClaimNext(ctx, "A", testLease)
		require.NoError(t, err)

		ok, err := store.Settle(ctx, job.Lease(), Failed(errors.New("boom")))
		require.NoError(t, err)
		require.True(t, ok)

		got := mustGet(t, store, job.ID)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, "boom", *got.LastError)
	})

	t.Run("cancelled sets timestamps", func(t *testing.T) {
		store, _ := newTestStore(t)
		insertRaw(t, store, nil)
		job, err := store.ClaimNext(ctx, "A", testLease)
		require.NoError(t, err)

		ok, err := store.Settle(ctx, job.Lease(), Cancelled())
		require.NoError(t, err)
		require.True(t, ok)

		got := mustGet(t, store, job.ID)
		assert.Equal(t, StateCancelled, got.State)
		assert.NotNil(t, got.CancelledAt)
		assert.NotNil(t, got.CancelRequestedAt)
	})

	t.Run("unknown outcome is rejected", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Settle(ctx, Lease{JobID: "x"}, Outcome{Kind: "bogus"})
		assert.Error(t, err)
	})
}

func TestPauseHonored(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)

	settings, err := store.SetPaused(ctx, true)
	require.NoError(t, err)
	assert.True(t, settings.Paused)

	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	assert.Nil(t, job, "paused queue claims nothing")

	_, err = store.SetPaused(ctx, false)
	require.NoError(t, err)

	job, err = store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestForceUnlock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)

	a, err := store.ClaimNext(ctx, "A", time.Hour)
	require.NoError(t, err)

	unlocked, err := store.ForceUnlock(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, unlocked.State)
	assert.Nil(t, unlocked.LockedBy)
	assert.Equal(t, 0, unlocked.Attempts, "the interrupted attempt is given back")

	b, err := store.ClaimNext(ctx, "B", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, b, "claimable immediately despite the hour-long lease")
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, b.Attempts)

	hb, err := store.Heartbeat(ctx, a.Lease(), time.Hour)
	require.NoError(t, err)
	assert.False(t, hb.Held, "original owner lost the lease")
}

func TestForceUnlockOnFinalAttempt(t *testing.T) {
	t.Log("A job unlocked during its only attempt must stay claimable and keep its dedupe key usable")
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := "compose.up:p1"
	insertRaw(t, store, func(j *Job) {
		j.MaxAttempts = 1
		j.DedupeKey = &key
		active := DefaultDedupeActive
		j.DedupeActive = &active
	})

	a, err := store.ClaimNext(ctx, "A", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, a)

	unlocked, err := store.ForceUnlock(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, unlocked.Attempts)

	b, err := store.ClaimNext(ctx, "B", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, b, "force-unlocked job is claimable")
	assert.Equal(t, a.ID, b.ID)

	settled, err := store.Settle(ctx, b.Lease(), Succeeded())
	require.NoError(t, err)
	require.True(t, settled)

	existing, err := store.FindActiveByDedupeKey(ctx, key, DefaultDedupeActive)
	require.NoError(t, err)
	assert.Nil(t, existing, "dedupe marker released once the job finished")
}

func TestSettleRequeueGivesAttemptBack(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, func(j *Job) { j.MaxAttempts = 1 })

	a, err := store.ClaimNext(ctx, "A", time.Hour)
	require.NoError(t, err)
	settled, err := store.Settle(ctx, a.Lease(), Requeue(ErrWorkerStopped, clock.Now()))
	require.NoError(t, err)
	require.True(t, settled)

	requeued := mustGet(t, store, a.ID)
	assert.Equal(t, StateQueued, requeued.State)
	assert.Equal(t, 0, requeued.Attempts)

	b, err := store.ClaimNext(ctx, "B", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, b, "the job still has its only attempt")

	settled, err = store.Settle(ctx, b.Lease(), Retry(errors.New("boom"), clock.Now()))
	require.NoError(t, err)
	require.True(t, settled)
	assert.Equal(t, 1, mustGet(t, store, a.ID).Attempts, "a plain retry keeps the attempt")
}

func TestForceUnlockWithPendingCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)

	a, err := store.ClaimNext(ctx, "A", time.Hour)
	require.NoError(t, err)
	_, err = store.Cancel(ctx, a.ID)
	require.NoError(t, err)

	unlocked, err := store.ForceUnlock(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, unlocked.State)
}

func TestForceUnlockTerminalJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)
	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	_, err = store.Settle(ctx, job.Lease(), Succeeded())
	require.NoError(t, err)

	_, err = store.ForceUnlock(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.ForceUnlock(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCancelQueuedIsImmediate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	job := insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("k") })

	cancelled, err := store.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CancelRequestedAt)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Nil(t, cancelled.DedupeActive)

	none, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCancelRunningSetsFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)
	job, err := store.ClaimNext(ctx, "A", time.Minute)
	require.NoError(t, err)

	flagged, err := store.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, flagged.State, "running jobs only get the flag")
	assert.NotNil(t, flagged.CancelRequestedAt)
	assert.Nil(t, flagged.CancelledAt)

	hb, err := store.Heartbeat(ctx, job.Lease(), time.Minute)
	require.NoError(t, err)
	assert.True(t, hb.Held)
	assert.True(t, hb.CancelRequested)

	requested, err := store.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	_, err = store.Cancel(ctx, job.ID)
	require.NoError(t, err, "cancelling twice is allowed while running")
}

func TestCancelExpiredRunningIsRecovered(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)
	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	_, err = store.Cancel(ctx, job.ID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	none, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "cancel-requested jobs are never reclaimed")

	recovered, err := store.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, StateCancelled, recovered[0].State)
}

func TestCancelTerminalJob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	job := insertRaw(t, store, nil)
	_, err := store.Cancel(ctx, job.ID)
	require.NoError(t, err)

	_, err = store.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdminRetry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, func(j *Job) {
		j.MaxAttempts = 1
		j.DedupeKey = strPtr("k")
	})
	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)
	_, err = store.Settle(ctx, job.Lease(), Failed(errors.New("boom")))
	require.NoError(t, err)

	retried, err := store.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, retried.State)
	assert.Equal(t, 0, retried.Attempts)
	require.NotNil(t, retried.DedupeActive)

	again, err := store.ClaimNext(ctx, "B", testLease)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)

	_, err = store.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "running jobs cannot be retried")
}

func TestAdminRetryDedupeConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	old := insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("k") })
	_, err := store.Cancel(ctx, old.ID)
	require.NoError(t, err)

	insertRaw(t, store, func(j *Job) { j.DedupeKey = strPtr("k") })

	_, err = store.Retry(ctx, old.ID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, StateCancelled, mustGet(t, store, old.ID).State)
}

func TestDeleteByState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := insertRaw(t, store, nil)
		_, err := store.Cancel(ctx, job.ID)
		require.NoError(t, err)
	}
	insertRaw(t, store, nil)

	n, err := store.DeleteByState(ctx, StateCancelled)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.DeleteByState(ctx, StateQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateQueued])
	assert.Equal(t, 0, counts[StateCancelled])
	assert.Len(t, counts, len(AllStates))
}

func TestListFilters(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	var pIDs []string
	for i := 0; i < 5; i++ {
		job := insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("P") })
		pIDs = append(pIDs, job.ID)
		clock.Advance(time.Millisecond)
	}
	insertRaw(t, store, func(j *Job) { j.ProjectID = strPtr("Q") })

	page, err := store.ListByProject(ctx, "P", Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, pIDs[4], page[0].ID, "newest first")
	assert.Equal(t, pIDs[3], page[1].ID)

	next, err := store.ListByProject(ctx, "P", Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, pIDs[2], next[0].ID)

	queued, err := store.ListByState(ctx, StateQueued, Page{})
	require.NoError(t, err)
	assert.Len(t, queued, 6)

	_, err = store.ListByState(ctx, "bogus", Page{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = store.ListByProject(ctx, "", Page{})
	assert.Error(t, err)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageSize}, Page{}.normalize())
	assert.Equal(t, Page{Limit: MaxPageSize, Offset: 0}, Page{Limit: 10_000, Offset: -3}.normalize())
}

func TestSettings(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	s, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, s.Paused)
	assert.Equal(t, 2, s.Concurrency)

	s, err = store.SetConcurrency(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Concurrency)

	_, err = store.SetConcurrency(ctx, 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestHoldsLease(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	insertRaw(t, store, nil)
	job, err := store.ClaimNext(ctx, "A", testLease)
	require.NoError(t, err)

	held, err := store.HoldsLease(ctx, job.Lease())
	require.NoError(t, err)
	assert.True(t, held)

	clock.Advance(time.Second)
	held, err = store.HoldsLease(ctx, job.Lease())
	require.NoError(t, err)
	assert.False(t, held, "an expired lease is not safe to act on")
}
