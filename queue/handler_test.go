package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

type emptyTagPayload struct{}

func (emptyTagPayload) JobType() string { return "" }

func testRun(t *testing.T, jobType string, payload string) *Run {
	t.Helper()
	q, _ := newTestQueue(t)
	job, err := NewJob(jobType, json.RawMessage(payload), q.Store().Now())
	require.NoError(t, err)
	return newRun(job, q, testLease, zap.NewNop().Sugar())
}

func TestRegistryDispatchDecodesPayload(t *testing.T) {
	r := NewHandlerRegistry()

	var got testPayload
	Register(r, func(ctx context.Context, run *Run, p testPayload) error {
		got = p
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), testRun(t, "test.echo", `{"name":"site"}`)))
	assert.Equal(t, "site", got.Name)
}

func TestRegistryTypes(t *testing.T) {
	r := NewHandlerRegistry()
	Register(r, func(context.Context, *Run, testPayload) error { return nil })
	Register(r, func(context.Context, *Run, otherPayload) error { return nil })

	assert.True(t, r.Has("test.echo"))
	assert.False(t, r.Has("nope"))
	assert.Equal(t, []string{"test.echo", "test.other"}, r.Types())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewHandlerRegistry()
	Register(r, func(context.Context, *Run, testPayload) error { return nil })

	assert.Panics(t, func() {
		Register(r, func(context.Context, *Run, testPayload) error { return nil })
	})
	assert.Panics(t, func() {
		Register(r, func(context.Context, *Run, emptyTagPayload) error { return nil })
	})
}

func TestDispatchUnknownTypeIsPermanent(t *testing.T) {
	r := NewHandlerRegistry()

	err := r.Dispatch(context.Background(), testRun(t, "nobody.handles", `{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJobType)
	assert.True(t, IsPermanent(err))
}

func TestDispatchBadPayloadIsPermanent(t *testing.T) {
	r := NewHandlerRegistry()
	called := false
	Register(r, func(context.Context, *Run, otherPayload) error {
		called = true
		return nil
	})

	err := r.Dispatch(context.Background(), testRun(t, "test.other", `{"n":"not a number"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.True(t, IsPermanent(err))
	assert.False(t, called)
}

func TestDecodePayload(t *testing.T) {
	job, err := NewJob("test.other", json.RawMessage(`{"n":7}`), newFakeClock().Now())
	require.NoError(t, err)

	p, err := DecodePayload[otherPayload](job)
	require.NoError(t, err)
	assert.Equal(t, 7, p.N)

	_, err = DecodePayload[testPayload](job)
	assert.ErrorIs(t, err, ErrInvalidPayload, "tag mismatch")
}

func TestEncodePayload(t *testing.T) {
	raw, err := EncodePayload(testPayload{Name: "n"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"n"}`, string(raw))

	_, err = EncodePayload(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(nil))

	base := errors.New("bad project name")
	err := errors.Wrap(Permanent(base), "create project")
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)

	assert.False(t, IsPermanent(errors.New("transient")))
}

func TestRunHeartbeatAndFenceConcurrently(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	insertRaw(t, q.Store(), nil)
	job, err := q.Store().ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	run := newRun(job, q, time.Minute, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	errs := make(chan error, 80)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				errs <- run.Heartbeat(ctx)
				errs <- run.Fence(ctx)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, run.Attempt())
	assert.False(t, run.Lost())
}
