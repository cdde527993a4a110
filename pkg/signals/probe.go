package signals

import (
	"context"
	"net/http"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
)

// Probe is a ConnectivitySource for hosts without a platform network signal.
// It sends a HEAD request to a URL every interval; any HTTP response counts
// as online, a transport error as offline.
type Probe struct {
	*Connectivity

	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client

	logger logger.Logger
}

// NewProbe returns a probe that starts out online.
func NewProbe(url string, interval time.Duration, log logger.Logger) *Probe {
	return &Probe{
		Connectivity: NewConnectivity(true),
		URL:          url,
		Interval:     interval,
		Timeout:      5 * time.Second,
		Client:       http.DefaultClient,
		logger:       logger.OrNop(log),
	}
}

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.SetOnline(p.Check(ctx))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check performs one probe.
func (p *Probe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, http.NoBody)
	if err != nil {
		p.logger.Error("signals.Probe has an invalid url", "url", p.URL, "error", err)
		return false
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		p.logger.Debug("signals.Probe failed", "url", p.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
