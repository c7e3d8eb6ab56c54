package retry

import (
	"math/rand"
	"time"
)

// Strategy computes the wait before the next attempt. attempt is the number
// of the attempt that just failed, starting at 1.
type Strategy interface {
	Delay(attempt uint, base time.Duration) time.Duration
}

// Fixed waits the base delay between every attempt.
type Fixed struct{}

func (Fixed) Delay(_ uint, base time.Duration) time.Duration {
	return base
}

// Linear grows the delay by the base delay each attempt, capped at MaxDelay.
type Linear struct {
	MaxDelay time.Duration
}

func (s Linear) Delay(attempt uint, base time.Duration) time.Duration {
	d := base * time.Duration(attempt)
	if s.MaxDelay > 0 && d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// Exponential doubles the delay each attempt, capped at MaxDelay. With Jitter
// enabled, a uniformly random offset in [-delay*JitterFactor,
// +delay*JitterFactor] is added to spread out synchronized retry storms.
type Exponential struct {
	MaxDelay     time.Duration
	Jitter       bool
	JitterFactor float64
}

func (s Exponential) Delay(attempt uint, base time.Duration) time.Duration {
	d := base
	// Shift with an overflow guard; past 62 doublings the cap applies anyway.
	if attempt > 1 {
		shift := attempt - 1
		if shift > 62 || base<<shift < base {
			d = time.Duration(1<<63 - 1)
		} else {
			d = base << shift
		}
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}

	if s.Jitter && s.JitterFactor > 0 {
		offset := (rand.Float64()*2 - 1) * s.JitterFactor * float64(d)
		d += time.Duration(offset)
		if d < 0 {
			d = 0
		}
	}
	return d
}
