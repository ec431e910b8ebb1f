package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Delay(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var p BackoffPolicy
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Minute, p.Delay(100))

	inverted := BackoffPolicy{Base: time.Minute, Max: time.Second}
	assert.Equal(t, time.Minute, inverted.Delay(3), "max is raised to base")
}
