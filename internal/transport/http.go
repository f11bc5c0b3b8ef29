// Package transport performs the HTTP fetch against a hypervisor's
// rrd_updates endpoint. Session establishment with the management API is
// outside this package; callers supply either basic-auth credentials or an
// opaque session token and this package only injects them into the request.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/xtxerr/xenfeed/config"
	"github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/rrd"
)

// Fetcher retrieves the raw update feed for one poll cycle. start is the
// epoch-seconds fetch position from the cursor.
type Fetcher interface {
	Fetch(ctx context.Context, start int64) (*rrd.RawFeed, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds fetch configuration for one hypervisor target.
type Config struct {
	// Address is the base URL of the hypervisor, e.g. "https://10.0.0.100".
	Address string

	// Username and Password are sent as HTTP basic auth when set.
	Username string
	Password string

	// SessionID is an opaque management-API session reference, sent as the
	// session_id query parameter when set. Obtaining and refreshing it is
	// the caller's concern.
	SessionID string

	// Consolidation is the cf query parameter (AVERAGE/MIN/MAX/LAST).
	Consolidation string

	// FeedIntervalSec is the interval query parameter: the requested
	// seconds-per-sample of the returned feed.
	FeedIntervalSec int

	// Timeout bounds one fetch end to end. Must be shorter than the
	// collection interval.
	Timeout time.Duration

	// MaxFeedBytes caps the response body size.
	MaxFeedBytes int64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Consolidation == "" {
		out.Consolidation = config.DefaultConsolidation
	}
	if out.FeedIntervalSec <= 0 {
		out.FeedIntervalSec = config.DefaultFeedInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = config.DefaultFetchTimeout
	}
	if out.MaxFeedBytes <= 0 {
		out.MaxFeedBytes = config.DefaultMaxFeedBytes
	}
	return out
}

// =============================================================================
// HTTP Fetcher
// =============================================================================

// HTTPFetcher fetches rrd_updates documents over HTTP(S).
type HTTPFetcher struct {
	cfg    Config
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. The underlying http.Client (and its
// connection pool) may be shared across targets; pass nil to use a dedicated
// client with the configured timeout.
func NewHTTPFetcher(cfg Config, client *http.Client) (*HTTPFetcher, error) {
	cfg = cfg.withDefaults()

	if cfg.Address == "" {
		return nil, errors.NewMissingField("address")
	}
	if _, err := url.Parse(cfg.Address); err != nil {
		return nil, errors.NewInvalidValue("address", cfg.Address, err.Error())
	}

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPFetcher{cfg: cfg, client: client}, nil
}

// URL builds the request URL for a given fetch position. Exposed for tests.
func (f *HTTPFetcher) URL(start int64) string {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("host", "true")
	q.Set("cf", f.cfg.Consolidation)
	q.Set("interval", strconv.Itoa(f.cfg.FeedIntervalSec))
	if f.cfg.SessionID != "" {
		q.Set("session_id", f.cfg.SessionID)
	}
	return f.cfg.Address + "/rrd_updates?" + q.Encode()
}

// Fetch performs one bounded GET against the endpoint. Network failures and
// timeouts map to ErrTransport/ErrTimeout, non-2xx statuses to ErrHTTPStatus.
func (f *HTTPFetcher) Fetch(ctx context.Context, start int64) (*rrd.RawFeed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(start), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, err.Error())
	}
	if f.cfg.Username != "" {
		req.SetBasicAuth(f.cfg.Username, f.cfg.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrapf(errors.ErrTimeout, "fetch %s", f.cfg.Address)
		}
		return nil, errors.Wrapf(errors.ErrTransport, "fetch %s: %v", f.cfg.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused, then report.
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return nil, errors.Wrapf(errors.ErrHTTPStatus, "fetch %s: status %d", f.cfg.Address, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxFeedBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrapf(errors.ErrTimeout, "read body from %s", f.cfg.Address)
		}
		return nil, errors.Wrapf(errors.ErrTransport, "read body from %s: %v", f.cfg.Address, err)
	}
	if int64(len(body)) > f.cfg.MaxFeedBytes {
		return nil, errors.Wrapf(errors.ErrTransport, "feed from %s exceeds %d bytes", f.cfg.Address, f.cfg.MaxFeedBytes)
	}

	return &rrd.RawFeed{
		Body:       body,
		ReceivedAt: time.Now(),
		Status:     resp.StatusCode,
	}, nil
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// String identifies the fetcher in logs.
func (f *HTTPFetcher) String() string {
	return fmt.Sprintf("rrd_updates(%s)", f.cfg.Address)
}
