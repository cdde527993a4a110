// Package httpclient calls the plots REST API, the primary source of every
// resource parcelsync serves.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// API paths.
const (
	PathPlots     = "/api/plots"
	PathStats     = "/api/stats"
	PathLeads     = "/api/leads"
	PathDashboard = "/api/admin/dashboard"
	PathEvents    = "/api/events"
	PathWebSocket = "/api/ws"
)

// ClientIDHeader carries the session id on every request.
const ClientIDHeader = "X-Client-Id"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// ServerError is a non-2xx response.
type ServerError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server responded %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server responded %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// AsServerError unwraps a *ServerError from err.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Client is safe for concurrent use.
type Client struct {
	BaseURL  string
	ClientID string

	httpClient *http.Client
	logger     logger.Logger
}

func New(baseURL string, log logger.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: constants.DefaultFetchTimeout,
		},
		logger: logger.OrNop(log),
	}
}

// SetTimeout sets the transport-level timeout. Per-call timeouts are set
// with the context.
func (c *Client) SetTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

func (c *Client) SetHTTPClient(client *http.Client) *Client {
	c.httpClient = client
	return c
}

// ListPlots fetches the plots matching f. The query string is f's canonical
// form.
func (c *Client) ListPlots(ctx context.Context, f models.PlotFilter) ([]models.Plot, error) {
	var plots []models.Plot
	if err := c.get(ctx, PathPlots, f.Query(), &plots); err != nil {
		return nil, err
	}
	return plots, nil
}

func (c *Client) GetPlot(ctx context.Context, id string) (models.Plot, error) {
	var plot models.Plot
	err := c.get(ctx, PathPlots+"/"+url.PathEscape(id), nil, &plot)
	return plot, err
}

// Nearby fetches plots close to plot id.
func (c *Client) Nearby(ctx context.Context, id string) ([]models.Plot, error) {
	var plots []models.Plot
	if err := c.get(ctx, PathPlots+"/"+url.PathEscape(id)+"/nearby", nil, &plots); err != nil {
		return nil, err
	}
	return plots, nil
}

// Similar fetches plots comparable to plot id.
func (c *Client) Similar(ctx context.Context, id string) ([]models.Plot, error) {
	var plots []models.Plot
	if err := c.get(ctx, PathPlots+"/"+url.PathEscape(id)+"/similar", nil, &plots); err != nil {
		return nil, err
	}
	return plots, nil
}

func (c *Client) Stats(ctx context.Context, f models.PlotFilter) (models.Stats, error) {
	q := f.Query()
	q.Del(models.ParamSort)
	var stats models.Stats
	err := c.get(ctx, PathStats, q, &stats)
	return stats, err
}

func (c *Client) ListLeads(ctx context.Context) ([]models.Lead, error) {
	var leads []models.Lead
	if err := c.get(ctx, PathLeads, nil, &leads); err != nil {
		return nil, err
	}
	return leads, nil
}

func (c *Client) Dashboard(ctx context.Context) (models.Dashboard, error) {
	var d models.Dashboard
	err := c.get(ctx, PathDashboard, nil, &d)
	return d, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.BaseURL == "" {
		return constants.ErrNoBaseURL
	}

	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.ClientID != "" {
		req.Header.Set(ClientIDHeader, c.ClientID)
	}

	body, err := c.MakeRequest(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", constants.ErrTransportUnavailable, path, err)
	}
	return nil
}

// MakeRequest sends req and returns the body of a 2xx response. Failures
// are classified as *ServerError, constants.ErrTimeout or
// constants.ErrTransportUnavailable.
func (c *Client) MakeRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", constants.ErrTimeout, req.Method, req.URL.Path, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", constants.ErrTransportUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: read %s: %w", constants.ErrTimeout, req.URL.Path, err)
			}
			return nil, fmt.Errorf("%w: read %s: %w", constants.ErrTransportUnavailable, req.URL.Path, err)
		}
		return body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	c.logger.Debug("httpclient.Client got an error response",
		"path", req.URL.Path, "status", resp.StatusCode)
	return nil, &ServerError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
