// Package parcelsync is a client for a plots marketplace API that keeps
// working when the API does not.
//
// A [Session] resolves every resource through a query cache. When the API
// is unreachable, times out or answers with an unexpected empty list, the
// result comes from a dataset bundled into the binary and is tagged
// [models.ProvenanceFallback]. When the API answers with a server error
// while a live copy is cached, the cached copy is served flagged
// StaleServed, and retries are scheduled with exponential backoff
// (15s, 30s, 60s, 120s, 120s) until the data is live again or the retry
// ceiling is reached.
//
// # Push channel
//
// Start opens one long-lived push connection, over server-sent events or a
// WebSocket ([config.Options].Transport). Change notifications invalidate
// the affected cache entries, and watchers registered with
// [Session.WatchPlots] re-resolve right away instead of waiting for their
// next poll. The connection is reopened with a doubling delay capped at
// 30s, suspended while offline, and restarted when the host becomes
// visible again. Coming back online triggers one full refresh, rate limited,
// since missed notifications are never replayed.
//
// # Signals
//
// [Session.OnRecovered] fires once each time a resource that was served
// from the fallback dataset comes back live; [Session.OnOutdated] fires when
// cached data is served because of a server error. [Session.Diagnostics]
// reports the channel state, cached keys and pending retries.
//
// # Configuration
//
// Options come from [config.Load]: defaults, then a YAML file, then
// PARCELSYNC_* environment variables.
package parcelsync
