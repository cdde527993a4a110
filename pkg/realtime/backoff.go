package realtime

import (
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
)

// Backoff is the reconnect delay policy: start at Floor, double after every
// scheduled reconnect, never exceed Ceiling.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration

	current time.Duration
}

func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = constants.DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{Floor: floor, Ceiling: ceiling, current: floor}
}

// Delay is the delay the next reconnect will wait.
func (b *Backoff) Delay() time.Duration {
	return b.current
}

// Next returns the current delay and doubles it, capped at Ceiling.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.Ceiling {
		b.current = b.Ceiling
	}
	return d
}

// Reset sets the delay back to Floor.
func (b *Backoff) Reset() {
	b.current = b.Floor
}
