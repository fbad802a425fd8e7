package realtime

import "time"

// Backoff is the reconnect delay policy: Base on the first failure,
// doubling on each consecutive failure up to Max. A failure of the
// ticket or connect step itself waits at least Floor.
type Backoff struct {
	Base  time.Duration
	Max   time.Duration
	Floor time.Duration

	current time.Duration
}

// Next advances the policy by one failure and returns the delay to wait.
func (b *Backoff) Next(connectFailed bool) time.Duration {
	if b.current == 0 {
		b.current = b.Base
	} else {
		b.current = min(b.current*2, b.Max)
	}
	delay := b.current
	if connectFailed && delay < b.Floor {
		delay = b.Floor
	}
	return delay
}

// Reset returns the policy to its base after a clean connect.
func (b *Backoff) Reset() { b.current = 0 }

// Current is the last doubling delay, zero after a reset.
func (b *Backoff) Current() time.Duration { return b.current }
