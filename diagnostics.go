package parcelsync

import (
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/recovery"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// Diagnostics is a point-in-time view of a session.
type Diagnostics struct {
	SessionID string
	Online    bool
	Visible   bool

	// Channel is the push channel state, or "Disabled" without a server.
	Channel          string
	BackoffDelay     time.Duration
	ReconnectPending bool

	CachedKeys []resourcekey.Key
	// Recovering lists the keys being retried and those at the ceiling.
	Recovering []recovery.State
	Watches    int
}

func (s *Session) Diagnostics() Diagnostics {
	d := Diagnostics{
		SessionID:  s.ID,
		Online:     s.connectivity.Online(),
		Visible:    s.visibility.Visible(),
		Channel:    "Disabled",
		CachedKeys: s.cache.Keys(),
	}
	if s.channel != nil {
		d.Channel = s.channel.State().String()
		d.BackoffDelay = s.channel.BackoffDelay()
		d.ReconnectPending = s.channel.ReconnectPending()
	}

	keys := append(s.recovery.Active(), s.recovery.Exhausted()...)
	for _, k := range keys {
		if st, ok := s.recovery.State(k); ok {
			d.Recovering = append(d.Recovering, st)
		}
	}

	s.mu.Lock()
	d.Watches = len(s.watches)
	s.mu.Unlock()
	return d
}
