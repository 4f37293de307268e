package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wfpscan/internal/diagnostics"
)

const (
	// MinTimeout is the smallest per-request timeout accepted.
	MinTimeout = 5 * time.Second
	// DefaultTimeout replaces any timeout below MinTimeout.
	DefaultTimeout = 120 * time.Second
	// DefaultRetryDelay is the flat pause between attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultMaxRetries caps retries after the first attempt.
	DefaultMaxRetries = 5

	sessionHeader = "X-Session"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client posts scan requests. It holds no per-request state and is safe for
// concurrent use by many workers.
type Client struct {
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	retryDelay time.Duration
	maxRetries int
	limiter    *rate.Limiter
	sink       diagnostics.Sink
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. Its timeout is replaced
// by the configured request timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRetryPolicy(delay time.Duration, maxRetries int) Option {
	return func(c *Client) {
		if delay >= 0 {
			c.retryDelay = delay
		}
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
	}
}

// WithRateLimit paces outgoing attempts across all workers. Zero disables it.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithDiagnostics(sink diagnostics.Sink) Option {
	return func(c *Client) {
		c.sink = sink
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		url:        strings.TrimSpace(cfg.URL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    NormalizeTimeout(cfg.Timeout),
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		sink:       diagnostics.FileSink{Dir: "."},
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	hc := *c.httpClient
	hc.Timeout = c.timeout
	c.httpClient = &hc
	return c
}

// NormalizeTimeout replaces timeouts below MinTimeout with DefaultTimeout.
func NormalizeTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return DefaultTimeout
	}
	return d
}

func (c *Client) URL() string { return c.url }

func (c *Client) Timeout() time.Duration { return c.timeout }

// Scan retries transport failures, error statuses and empty bodies on a fixed
// delay up to the retry cap, then returns an *Error matching
// ErrRetriesExhausted. A body that cannot be decoded yields
// (nil, nil) after the raw body has been handed to the diagnostics sink.
func (c *Client) Scan(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := c.buildForm(req)
	if err != nil {
		return nil, &Error{Op: "build request", URL: c.url, Err: err}
	}

	var (
		respBody  []byte
		attempts  int
		lastErr   error
		permanent error
	)
	policy := backoff.WithContext(c.retryPolicy(), ctx)
	operation := func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				permanent = err
				return nil
			}
		}
		data, err := c.post(ctx, body, contentType)
		if err != nil {
			if ctx.Err() != nil {
				permanent = ctx.Err()
				return nil
			}
			lastErr = err
			return err
		}
		respBody = data
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("url", c.url).Int("attempt", attempts).Dur("retry_in", wait).
			Msg("scan request failed, retrying")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil || respBody == nil {
		if permanent == nil && ctx.Err() != nil {
			permanent = ctx.Err()
		}
		if permanent != nil {
			return nil, &Error{Op: "scan", URL: c.url, Attempts: attempts, Err: permanent}
		}
		if err == nil {
			err = lastErr
		}
		apiErr := &Error{Op: "scan", URL: c.url, Attempts: attempts, Exhausted: true, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			apiErr.StatusCode = se.code
			apiErr.Body = se.body
		}
		c.log.Error().Err(apiErr).Int("files", req.Payload.Files).Msg("scan request abandoned")
		return nil, apiErr
	}

	return c.decode(ctx, req, respBody), nil
}

// retryPolicy waits a flat delay between attempts. WithMaxRetries treats
// zero as unlimited, so a zero cap must stop explicitly.
func (c *Client) retryPolicy() backoff.BackOff {
	if c.maxRetries == 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.maxRetries))
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		httpReq.Header.Set(sessionHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post (timeout=%s): %w", c.timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &statusError{code: resp.StatusCode, body: string(data)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyResponse
	}
	return data, nil
}

func (c *Client) decode(ctx context.Context, req Request, body []byte) *Response {
	if RawFormat(req.Format) {
		return &Response{Raw: string(body), Files: req.Payload.Files}
	}

	var results map[string][]Match
	if err := json.Unmarshal(body, &results); err != nil {
		c.keepBadResponse(ctx, req, body, err)
		return nil
	}
	return &Response{Results: results, Files: req.Payload.Files}
}

func (c *Client) keepBadResponse(ctx context.Context, req Request, body []byte, cause error) {
	event := c.log.Error().Err(cause).Str("worker", req.Worker)
	if c.sink == nil {
		event.Msg("scan service returned invalid JSON, ignoring result")
		return
	}
	name := diagnostics.ArtifactName(req.Worker, c.now())
	location, err := c.sink.Write(ctx, name, diagnostics.BadJSON(req.Payload.Text, body))
	if err != nil {
		event.Msg("scan service returned invalid JSON, ignoring result")
		c.log.Warn().Err(err).Str("artifact", name).Msg("could not write diagnostic artifact")
		return
	}
	event.Str("artifact", location).Msg("scan service returned invalid JSON, ignoring result")
}

func (c *Client) buildForm(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if req.Manifest != "" {
		mode := req.Mode
		if mode == "" {
			mode = ModeIdentify
		}
		if err := w.WriteField("type", mode); err != nil {
			return nil, "", err
		}
		if err := w.WriteField("assets", req.Manifest); err != nil {
			return nil, "", err
		}
	}
	if req.Format != "" {
		if err := w.WriteField("format", req.Format); err != nil {
			return nil, "", err
		}
	}
	if req.Flags > 0 {
		if err := w.WriteField("flags", strconv.Itoa(req.Flags)); err != nil {
			return nil, "", err
		}
	}
	if req.Context != "" {
		if err := w.WriteField("context", req.Context); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("file", attachmentName())
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, req.Payload.Text); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func attachmentName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ".wfp"
}
