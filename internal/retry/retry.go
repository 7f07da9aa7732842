// Package retry wraps fallible bus transactions in exponential backoff with
// jitter. Profiles matter more than the math: once the command worker owns
// bus pacing, in-driver retries hold the bus guard across repeated failures
// and add line noise, so runtime callers use the Disabled profile and
// re-enqueue instead.
package retry

import (
	"math/rand"
	"time"
)

type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1, applied as ±fraction of the current delay
}

// Result reports what an execution actually cost.
type Result struct {
	Success    bool
	Attempts   int
	TotalDelay time.Duration
	Err        error // last error when Success is false
}

// Aggressive is the initialization-time profile: no external scheduler owns
// the bus yet, so the driver retries hard with short delays.
func Aggressive() Policy {
	return Policy{
		MaxRetries:   5,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   1.5,
		JitterFactor: 0.2,
	}
}

// Disabled is the runtime profile: one attempt, the caller re-enqueues on
// failure.
func Disabled() Policy {
	return Policy{MaxRetries: 0}
}

// Background paces low-priority scans with long delays between attempts.
func Background() Policy {
	return Policy{
		MaxRetries:   0,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   3.0,
	}
}

// sleep is swapped out in tests to keep backoff runs instant.
var sleep = time.Sleep

// Do runs op up to MaxRetries+1 times. After each failure it sleeps the
// current delay (jittered), then grows the delay by Multiplier up to
// MaxDelay. The final failure is not followed by a sleep.
func (p Policy) Do(op func() error) Result {
	res := Result{}
	delay := p.InitialDelay

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		res.Attempts++
		err := op()
		if err == nil {
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err

		if attempt == p.MaxRetries {
			break
		}

		d := p.jittered(delay)
		sleep(d)
		res.TotalDelay += d

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return res
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.JitterFactor <= 0 || d <= 0 {
		return d
	}
	// Uniform in [-JitterFactor, +JitterFactor].
	f := 1 + p.JitterFactor*(2*rand.Float64()-1)
	j := time.Duration(float64(d) * f)
	if j > p.MaxDelay {
		j = p.MaxDelay
	}
	if j < 0 {
		j = 0
	}
	return j
}
