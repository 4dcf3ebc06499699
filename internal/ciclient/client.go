// Package ciclient provides an authenticated, retrying client for the
// Jenkins-shaped CI protocol the Scheduler polls (spec §4.B, §6).
package ciclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Sentinel errors, classified per spec §4.B ("RequestError, HTTPError(status),
// DecodeError, Timeout").
var (
	ErrRequest = errors.New("ci client request error")
	ErrDecode  = errors.New("ci client response decode error")
	ErrTimeout = errors.New("ci client request timed out")
	ErrNoMatch = errors.New("ci client found no version token in display name")
)

// HTTPError reports a non-2xx response from the CI server.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ci server returned status %d for %s", e.Status, e.URL)
}

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+\.\d+`)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryMax     = 1
	defaultRetryWait    = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second

	// defaultRequestsPerSecond caps outbound calls to the CI server so a
	// release with many modules does not hammer Jenkins on every poll tick.
	defaultRequestsPerSecond = 10
	defaultBurst             = 5
)

// Client retrieves build lists, build maps, and artifact files from the CI
// server over HTTP basic auth. Credentials live only in process memory
// (spec §4.B: "MUST NOT be persisted").
type Client struct {
	http    *retryablehttp.Client
	user    string
	token   string
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.HTTPClient.Timeout = timeout
	}
}

// WithRateLimit overrides the outbound request rate limit.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// New builds a Client authenticated with basic auth. One retry is attempted
// on idempotent GETs for 5xx responses or connection errors, with exponential
// backoff, per spec §4.B.
func New(user, token string, opts ...Option) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = defaultRetryMax
	retryClient.RetryWaitMin = defaultRetryWait
	retryClient.RetryWaitMax = defaultRetryWaitMax
	retryClient.HTTPClient.Timeout = defaultTimeout
	// Silence retryablehttp's own leveled logger; errors surface through our
	// own slog logger at the call site instead.
	retryClient.Logger = nil

	client := &Client{
		http:    retryClient,
		user:    user,
		token:   token,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ListBuilds returns build numbers strictly greater than minBuild, ascending.
func (c *Client) ListBuilds(ctx context.Context, jobURL string, minBuild int) ([]int, error) {
	url := jobURL + "/api/json?tree=builds[number]"

	var payload struct {
		Builds []struct {
			Number int `json:"number"`
		} `json:"builds"`
	}

	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}

	builds := make([]int, 0, len(payload.Builds))

	for _, b := range payload.Builds {
		if b.Number > minBuild {
			builds = append(builds, b.Number)
		}
	}

	sort.Ints(builds)

	return builds, nil
}

// GetBuildMap fetches the build-map artifact mapping module name to module
// build number. A missing artifact is a fatal per-build error per spec §4.B.
func (c *Client) GetBuildMap(ctx context.Context, jobURL string, buildNumber int) (map[string]int, error) {
	url := fmt.Sprintf("%s/%d/artifact/build_map.json", jobURL, buildNumber)

	buildMap := make(map[string]int)

	if err := c.getJSON(ctx, url, &buildMap); err != nil {
		return nil, err
	}

	return buildMap, nil
}

// GetArtifact streams the JUnit XML artifact for one module build. The
// caller is responsible for closing the returned reader.
func (c *Client) GetArtifact(ctx context.Context, jobURL string, buildNumber int) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%d/artifact/test-results.xml", jobURL, buildNumber)

	resp, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()

		return nil, &HTTPError{Status: resp.StatusCode, URL: url}
	}

	return resp.Body, nil
}

// GetDisplayName extracts a version token (e.g. "1.2.3.4") from the build's
// display name by regex; best-effort per spec §4.E ("on failure, version is
// NULL"), so ErrNoMatch is a normal, expected outcome the caller may ignore.
func (c *Client) GetDisplayName(ctx context.Context, jobURL string, buildNumber int) (string, error) {
	url := fmt.Sprintf("%s/%d/api/json?tree=displayName", jobURL, buildNumber)

	var payload struct {
		DisplayName string `json:"displayName"`
	}

	if err := c.getJSON(ctx, url, &payload); err != nil {
		return "", err
	}

	match := versionPattern.FindString(payload.DisplayName)
	if match == "" {
		return "", fmt.Errorf("%w: display name %q", ErrNoMatch, payload.DisplayName)
	}

	return match, nil
}

func (c *Client) getJSON(ctx context.Context, url string, target any) error {
	resp, err := c.do(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, URL: url}
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}

	req.SetBasicAuth(c.user, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}

	return resp, nil
}
