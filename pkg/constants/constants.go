package constants

import "time"

const (
	// DefaultFetchTimeout bounds every primary source call.
	DefaultFetchTimeout = 15 * time.Second

	// DefaultRetryCeiling is the number of recovery retries scheduled for a
	// stale-served resource before the scheduler goes quiet.
	DefaultRetryCeiling = 5

	// DefaultRecoveryBase and DefaultRecoveryMax bound the recovery backoff:
	// delay(n) = min(base * 2^n, max).
	DefaultRecoveryBase = 15 * time.Second
	DefaultRecoveryMax  = 120 * time.Second

	// DefaultBackoffFloor and DefaultBackoffCeiling bound the push channel
	// reconnect delay.
	DefaultBackoffFloor   = 1 * time.Second
	DefaultBackoffCeiling = 30 * time.Second

	// DefaultRefreshInterval is the window in which online signals are merged
	// into one full refresh.
	DefaultRefreshInterval = 1 * time.Second

	// DefaultStaleTime is how long a live cache entry is served without
	// asking the primary source again.
	DefaultStaleTime = 30 * time.Second

	// DefaultPollInterval is the cadence of WatchPlots.
	DefaultPollInterval = 60 * time.Second

	// ClientIDLength is the length of the generated push client identifier.
	ClientIDLength = 16

	// CloseMessageCode is the websocket close code sent on teardown.
	CloseMessageCode = 1000
)

var (
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)
