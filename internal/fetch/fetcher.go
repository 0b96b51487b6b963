// Package fetch is the HTTP GET helper shared by every remote loader. It
// injects credentials, paces requests and retries rate-limited responses
// with exponential backoff; every other failure is returned immediately.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
)

const (
	// DefaultMaxAttempts is the total number of tries for a rate-limited request.
	DefaultMaxAttempts = 3

	// DefaultBaseBackoff is the wait before the second attempt; it doubles after each.
	DefaultBaseBackoff = time.Second

	maxErrorBody = 512
)

// ErrRateLimited is matched by errors.Is when the retry budget ran out on 429s.
var ErrRateLimited = errors.New("rate limited")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// Getter is the fetch contract loaders depend on.
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values) (*Response, error)
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Options configures a Fetcher. Zero values fall back to the package defaults.
type Options struct {
	// Source names the upstream in logs and metrics.
	Source string

	HTTPClient *http.Client
	Timeout    time.Duration

	// APIKey is merged into the query string as KeyParam ("key" by default).
	APIKey   string
	KeyParam string

	// Header is sent with every request (e.g. X-App-Token).
	Header http.Header

	MaxAttempts       int
	BaseBackoff       time.Duration
	RequestsPerSecond float64

	Logger  *zap.Logger
	OnRetry func(source string, attempt int, wait time.Duration)
}

// Fetcher performs GET requests with the retry policy described above.
type Fetcher struct {
	source      string
	client      *http.Client
	apiKey      string
	keyParam    string
	header      http.Header
	maxAttempts int
	baseBackoff time.Duration
	limiter     *rate.Limiter
	log         *zap.Logger
	onRetry     func(string, int, time.Duration)
}

// New builds a Fetcher.
func New(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	keyParam := opts.KeyParam
	if keyParam == "" {
		keyParam = "key"
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	base := opts.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	source := opts.Source
	if source == "" {
		source = "http"
	}

	f := &Fetcher{
		source:      source,
		client:      client,
		apiKey:      opts.APIKey,
		keyParam:    keyParam,
		header:      opts.Header,
		maxAttempts: maxAttempts,
		baseBackoff: base,
		log:         log,
		onRetry:     opts.OnRetry,
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return f
}

// Get fetches rawURL with params merged into its query string.
func (f *Fetcher) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	logged := make(map[string]any, len(params))
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
		logged[k] = vs
	}
	if f.apiKey != "" {
		q.Set(f.keyParam, f.apiKey)
	}
	u.RawQuery = q.Encode()
	target := u.String()

	// Logged URL never carries the credential.
	display := *u
	display.RawQuery = ""
	etlog.LogRequest(f.log, f.source, http.MethodGet, display.String(), logged)

	var out *Response
	attempt := 0
	op := func() error {
		attempt++
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		start := time.Now()
		resp, err := f.do(ctx, target)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s request: %w", f.source, err))
		}
		etlog.LogResponse(f.log, f.source, resp.StatusCode, time.Since(start), len(resp.Body))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &StatusError{URL: display.String(), StatusCode: resp.StatusCode}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&StatusError{
				URL:        display.String(),
				StatusCode: resp.StatusCode,
				Body:       snippet(resp.Body),
			})
		}
		out = resp
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.log.Warn("rate limited, backing off",
			zap.String("source", f.source),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.maxAttempts),
			zap.Duration("wait", wait),
		)
		if f.onRetry != nil {
			f.onRetry(f.source, attempt, wait)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.policy(), uint64(f.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		etlog.LogError(f.log, f.source, "fetch", err)
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) do(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// policy waits baseBackoff * 2^(attempt-1) with no jitter.
func (f *Fetcher) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = f.baseBackoff << 10
	b.MaxElapsedTime = 0
	return b
}

func snippet(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
