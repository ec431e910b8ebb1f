package queue

import "time"

// BackoffPolicy spaces out retries: Base * 2^(attempts-1), capped at Max.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// DefaultBackoffPolicy returns the worker's default retry spacing.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 5 * time.Minute}
}

func (p BackoffPolicy) normalize() BackoffPolicy {
	def := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait before the next run of a job that has used attempts attempts.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	p = p.normalize()
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.Max || delay <= 0 {
			return p.Max
		}
	}
	return min(delay, p.Max)
}
