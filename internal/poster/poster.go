package poster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const httpErrorBodyLimit = 1024

// Timing controls request timeout, rate limiting and retry backoff.
type Timing struct {
	Timeout           time.Duration
	RateInterval      time.Duration
	RateBurst         int
	BackoffMaxElapsed time.Duration
	BackoffMax        time.Duration
	BackoffInitial    time.Duration
}

// DefaultTiming is used when a caller does not override timing.
var DefaultTiming = Timing{
	Timeout:           10 * time.Second,
	RateInterval:      1 * time.Second,
	RateBurst:         1,
	BackoffMaxElapsed: 30 * time.Second,
	BackoffMax:        10 * time.Second,
	BackoffInitial:    1 * time.Second,
}

// Poster sends JSON payloads to a single HTTP endpoint with per-key rate
// limiting and retries for 5xx, 429 and network errors.
type Poster struct {
	logger      zerolog.Logger
	serviceName string
	url         string
	contentType string
	headers     http.Header
	client      *retryablehttp.Client
	timing      Timing
	limiters    map[string]*rate.Limiter
	limiterMu   sync.Mutex
}

// New constructs a Poster. headers are added to every request.
func New(logger zerolog.Logger, serviceName, url, contentType string, headers http.Header, timing Timing) *Poster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.Timeout}

	return &Poster{
		logger:      logger,
		serviceName: serviceName,
		url:         url,
		contentType: contentType,
		headers:     headers.Clone(),
		client:      client,
		timing:      timing,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Timing returns the poster's timing configuration.
func (p *Poster) Timing() Timing {
	return p.timing
}

// WaitForRateLimit blocks until the limiter for key admits another request.
func (p *Poster) WaitForRateLimit(ctx context.Context, key string) error {
	limiter := p.getLimiter(key)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func (p *Poster) getLimiter(key string) *rate.Limiter {
	if p.timing.RateInterval <= 0 {
		return nil
	}
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	limiter, ok := p.limiters[key]
	if ok {
		return limiter
	}
	burst := p.timing.RateBurst
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Every(p.timing.RateInterval), burst)
	p.limiters[key] = limiter
	return limiter
}

// PostWithRetry posts payload, retrying retryable failures with exponential
// backoff and honoring Retry-After.
func (p *Poster) PostWithRetry(ctx context.Context, payload []byte) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = p.timing.BackoffInitial
	backoffCfg.MaxInterval = p.timing.BackoffMax
	backoffCfg.MaxElapsedTime = p.timing.BackoffMaxElapsed
	backoffCfg.Reset()

	for {
		err := p.PostOnce(ctx, payload)
		if err == nil {
			return nil
		}
		var retryAfter *retryAfterError
		if errors.As(err, &retryAfter) {
			if !sleepWithContext(ctx, retryAfter.Duration) {
				return ctx.Err()
			}
			continue
		}
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return err
		}
		wait := backoffCfg.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		p.logger.Debug().
			Err(err).
			Str("service", p.serviceName).
			Dur("wait", wait).
			Msg("retrying request")
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

// PostOnce performs a single POST.
func (p *Poster) PostOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.serviceName, err)
	}
	req.Header.Set("Content-Type", p.contentType)
	for key, values := range p.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("%s request failed: %w", p.serviceName, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
	bodyText := strings.TrimSpace(string(body))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{
		Service:    p.serviceName,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       bodyText,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return &retryAfterError{Duration: wait, err: statusErr}
		}
		return &retryableError{err: statusErr}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &retryableError{err: statusErr}
	}
	return statusErr
}

// StatusError is a non-2xx response. Body holds at most 1KiB of the response.
type StatusError struct {
	Service    string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s request failed: %s (%s)", e.Service, e.Status, e.Body)
	}
	return fmt.Sprintf("%s request failed: %s", e.Service, e.Status)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
	return 0, false
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

type retryAfterError struct {
	Duration time.Duration
	err      error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.Duration)
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}
