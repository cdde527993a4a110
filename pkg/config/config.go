// Package config holds the tunables of a client session.
//
// Options are resolved in three layers: Default, then an optional YAML file,
// then PARCELSYNC_* environment variables. Durations use Go syntax ("15s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PARCELSYNC_"

// Push transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Favorites stores.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreFile   = "file"
)

type Options struct {
	// BaseURL is the root of the primary API, e.g. http://localhost:8080.
	// Empty means every fetch is served from the bundled dataset.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// Timeout bounds every primary source call.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// StaleTime is how long a live result is reused without refetching.
	StaleTime time.Duration `yaml:"stale_time" env:"STALE_TIME"`

	RetryCeiling int           `yaml:"retry_ceiling" env:"RETRY_CEILING"`
	RecoveryBase time.Duration `yaml:"recovery_base" env:"RECOVERY_BASE"`
	RecoveryMax  time.Duration `yaml:"recovery_max" env:"RECOVERY_MAX"`

	// Transport selects the push transport, sse or websocket.
	Transport      string        `yaml:"transport" env:"TRANSPORT"`
	EventsPath     string        `yaml:"events_path" env:"EVENTS_PATH"`
	BackoffFloor   time.Duration `yaml:"backoff_floor" env:"BACKOFF_FLOOR"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling" env:"BACKOFF_CEILING"`

	// PollInterval is the cadence of watched queries.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`

	// ProbeURL enables connectivity probing when set.
	ProbeURL      string        `yaml:"probe_url" env:"PROBE_URL"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`

	// RefreshBurst is how many online-triggered full refreshes may run back
	// to back; RefreshInterval is the refill period of that budget. A
	// refresh over budget is delayed, never dropped.
	RefreshBurst    int           `yaml:"refresh_burst" env:"REFRESH_BURST"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`

	// Store and StorePath select where favorites are persisted.
	Store     string `yaml:"store" env:"STORE"`
	StorePath string `yaml:"store_path" env:"STORE_PATH"`
}

func Default() Options {
	return Options{
		Timeout:         constants.DefaultFetchTimeout,
		StaleTime:       constants.DefaultStaleTime,
		RetryCeiling:    constants.DefaultRetryCeiling,
		RecoveryBase:    constants.DefaultRecoveryBase,
		RecoveryMax:     constants.DefaultRecoveryMax,
		Transport:       TransportSSE,
		BackoffFloor:    constants.DefaultBackoffFloor,
		BackoffCeiling:  constants.DefaultBackoffCeiling,
		PollInterval:    constants.DefaultPollInterval,
		ProbeInterval:   constants.DefaultPollInterval,
		RefreshBurst:    1,
		RefreshInterval: constants.DefaultRefreshInterval,
		Store:           StoreMemory,
	}
}

// Load resolves options from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates them.
func Load(path string) (Options, error) {
	opts := Default()
	if path != "" {
		if err := opts.LoadFile(path); err != nil {
			return Options{}, err
		}
	}
	if err := opts.LoadEnv(); err != nil {
		return Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// LoadFile overlays the fields set in a YAML file.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays the PARCELSYNC_* variables that are set.
func (o *Options) LoadEnv() error {
	if err := env.ParseWithOptions(o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate returns an error wrapping constants.ErrInvalidConfig that lists
// every problem found.
func (o Options) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("timeout", o.Timeout)
	positive("recovery_base", o.RecoveryBase)
	positive("recovery_max", o.RecoveryMax)
	positive("backoff_floor", o.BackoffFloor)
	positive("backoff_ceiling", o.BackoffCeiling)
	positive("poll_interval", o.PollInterval)
	positive("refresh_interval", o.RefreshInterval)
	if o.ProbeURL != "" {
		positive("probe_interval", o.ProbeInterval)
	}

	if o.StaleTime < 0 {
		errs = append(errs, fmt.Errorf("stale_time must not be negative, got %s", o.StaleTime))
	}
	if o.RetryCeiling < 0 {
		errs = append(errs, fmt.Errorf("retry_ceiling must not be negative, got %d", o.RetryCeiling))
	}
	if o.RefreshBurst < 1 {
		errs = append(errs, fmt.Errorf("refresh_burst must be at least 1, got %d", o.RefreshBurst))
	}
	if o.BackoffFloor > o.BackoffCeiling {
		errs = append(errs, fmt.Errorf("backoff_floor %s exceeds backoff_ceiling %s", o.BackoffFloor, o.BackoffCeiling))
	}
	if o.RecoveryBase > o.RecoveryMax {
		errs = append(errs, fmt.Errorf("recovery_base %s exceeds recovery_max %s", o.RecoveryBase, o.RecoveryMax))
	}

	switch o.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", o.Transport))
	}

	switch o.Store {
	case StoreMemory:
	case StoreBadger, StoreFile:
		if o.StorePath == "" {
			errs = append(errs, fmt.Errorf("store %q needs store_path", o.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", o.Store))
	}

	if o.BaseURL != "" && !strings.HasPrefix(o.BaseURL, constants.HTTPScheme+"://") &&
		!strings.HasPrefix(o.BaseURL, constants.HTTPSecureScheme+"://") {
		errs = append(errs, fmt.Errorf("base_url %q must be an http or https URL", o.BaseURL))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", constants.ErrInvalidConfig, errors.Join(errs...))
}

// EventsURL returns the push endpoint for the selected transport, with the
// scheme rewritten to ws or wss for websockets. It returns "" when BaseURL
// is empty.
func (o Options) EventsURL() string {
	if o.BaseURL == "" {
		return ""
	}
	base := strings.TrimRight(o.BaseURL, "/")

	path := o.EventsPath
	if path == "" {
		path = httpclient.PathEvents
		if o.Transport == TransportWebSocket {
			path = httpclient.PathWebSocket
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if o.Transport == TransportWebSocket {
		switch {
		case strings.HasPrefix(base, constants.HTTPSecureScheme+"://"):
			base = constants.WebsocketSecureScheme + strings.TrimPrefix(base, constants.HTTPSecureScheme)
		case strings.HasPrefix(base, constants.HTTPScheme+"://"):
			base = constants.WebsocketScheme + strings.TrimPrefix(base, constants.HTTPScheme)
		}
	}
	return base + path
}
