package outbox

import (
	"math/rand"
	"time"
)

// Backoff spaces retries exponentially with full jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: time.Minute}
}

// Next returns the time of the next delivery attempt. attempt is 1-based, so
// the first retry draws from [0, Base].
func (b Backoff) Next(now time.Time, attempt int, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	delay := b.Base << (attempt - 1)
	if delay <= 0 || delay > b.Max {
		delay = b.Max
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))
	return now.Add(jitter).UTC()
}
