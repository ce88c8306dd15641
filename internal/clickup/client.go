// Package clickup is the request pipeline for the ClickUp API v2.
//
// Every call goes through Client.Execute, which attaches the current access
// token, retries rate-limit, server and transport failures with exponential
// backoff, and refreshes the token once when ClickUp answers 401.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/logging"
)

const (
	// DefaultBaseURL is the ClickUp API v2 root.
	DefaultBaseURL = "https://api.clickup.com/api/v2"
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the first backoff wait. Later waits double.
	DefaultBaseDelay = time.Second

	defaultTimeout = 30 * time.Second
)

// TokenProvider supplies the access token for each attempt.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// RefreshResult is the outcome of a token refresh.
type RefreshResult struct {
	Success bool
	Token   string
}

// RefreshTokenPort exchanges the stored refresh token for a new access token.
type RefreshTokenPort interface {
	RefreshToken(ctx context.Context) (RefreshResult, error)
}

// RefreshFunc adapts a function to RefreshTokenPort.
type RefreshFunc func(ctx context.Context) (RefreshResult, error)

// RefreshToken calls f.
func (f RefreshFunc) RefreshToken(ctx context.Context) (RefreshResult, error) { return f(ctx) }

// StaticToken is a TokenProvider for a fixed token.
type StaticToken string

// AccessToken returns the token, or ErrNotAuthenticated when empty.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	if t == "" {
		return "", ErrNotAuthenticated
	}
	return string(t), nil
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
	Refresher  RefreshTokenPort
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
	Metrics    *instrumentation.Metrics

	// Sleep waits between attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client executes ClickUp API calls. It is safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	tokens     TokenProvider
	refresher  RefreshTokenPort
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Client. Tokens is required.
func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       opts.HTTPClient,
		tokens:     opts.Tokens,
		refresher:  opts.Refresher,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sleep:      opts.Sleep,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "clickup")
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Request describes one logical API call.
type Request struct {
	// Operation names the call in logs and metrics, e.g. "get_task".
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Upload    *Upload
}

// Upload is a multipart file body.
type Upload struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
	// Parts are extra form fields sent alongside the file.
	Parts map[string]string
}

// Execute runs req and decodes a successful JSON response into out, which may
// be nil.
func (c *Client) Execute(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Operation == "" {
		req.Operation = strings.ToLower(req.Method) + " " + req.Path
	}

	ctx, span := instrumentation.StartAPISpan(ctx, req.Operation, req.Method)
	defer span.End()

	body, contentType, err := encodeBody(req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.baseDelay << c.maxRetries
	bo.Reset()

	logger := c.logger.With(logging.Operation(req.Operation))
	refreshed := false
	attempt := 0
	for {
		attempt++
		start := time.Now()
		resp, err := c.send(ctx, req, token, body, contentType)
		if err != nil {
			c.metrics.RecordAPIRequest(ctx, req.Operation, 0, time.Since(start))
			if ctx.Err() != nil {
				instrumentation.SetSpanError(span, ctx.Err())
				return ctx.Err()
			}
			if attempt > c.maxRetries {
				netErr := &NetworkError{Attempts: attempt, Err: err}
				instrumentation.SetSpanError(span, netErr)
				return netErr
			}
			if err := c.wait(ctx, logger, bo, req.Operation, instrumentation.RetryReasonNetwork, attempt, err); err != nil {
				return err
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.metrics.RecordAPIRequest(ctx, req.Operation, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return fmt.Errorf("failed to read %s response: %w", req.Operation, readErr)
			}
			instrumentation.SetSpanSuccess(span)
			if out == nil || len(bytes.TrimSpace(data)) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", req.Operation, err)
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			// Only a 401 on the first attempt is worth a refresh.
			if refreshed || attempt > 1 || c.refresher == nil {
				authErr := &AuthenticationError{Message: ReauthMessage, RequiresReauth: true, Err: parseAPIError(resp.StatusCode, data)}
				instrumentation.SetSpanError(span, authErr)
				return authErr
			}
			refreshed = true
			newToken, err := c.refresh(ctx, logger)
			if err != nil {
				instrumentation.SetSpanError(span, err)
				return err
			}
			token = newToken
			// The retry after a refresh does not count against the retry budget.
			attempt--

		case isRetryable(resp.StatusCode):
			apiErr := parseAPIError(resp.StatusCode, data)
			if attempt > c.maxRetries {
				instrumentation.SetSpanError(span, apiErr)
				return apiErr
			}
			if err := c.wait(ctx, logger, bo, req.Operation, instrumentation.RetryReasonStatus, attempt, apiErr); err != nil {
				return err
			}

		default:
			apiErr := parseAPIError(resp.StatusCode, data)
			instrumentation.SetSpanError(span, apiErr)
			return apiErr
		}
	}
}

func (c *Client) send(ctx context.Context, req Request, token string, body []byte, contentType string) (*http.Response, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", token)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	return c.http.Do(httpReq)
}

func (c *Client) refresh(ctx context.Context, logger *slog.Logger) (string, error) {
	logger.Info("access token rejected, refreshing")
	res, err := c.refresher.RefreshToken(ctx)
	if err != nil || !res.Success || res.Token == "" {
		c.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		logger.Warn("token refresh failed", logging.Err(err))
		return "", &AuthenticationError{Message: ReauthMessage, RequiresReauth: true, Err: err}
	}
	c.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)
	return res.Token, nil
}

func (c *Client) wait(ctx context.Context, logger *slog.Logger, bo *backoff.ExponentialBackOff, op, reason string, attempt int, cause error) error {
	delay := bo.NextBackOff()
	c.metrics.RecordAPIRetry(ctx, op, reason)
	logger.Debug("retrying request",
		logging.Attempt(attempt),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
		logging.Err(cause),
	)
	return c.sleep(ctx, delay)
}

func isRetryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Err   string `json:"err"`
		ECode string `json:"ECODE"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Err
		apiErr.Code = body.ECode
	}
	return apiErr
}

func encodeBody(req Request) ([]byte, string, error) {
	if req.Upload != nil {
		return encodeUpload(req.Upload)
	}
	if req.Body == nil {
		return nil, "application/json", nil
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode %s body: %w", req.Operation, err)
	}
	return data, "application/json", nil
}

func encodeUpload(up *Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	field := up.FieldName
	if field == "" {
		field = "attachment"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, up.FileName))
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := part.Write(up.Content); err != nil {
		return nil, "", fmt.Errorf("failed to write attachment: %w", err)
	}
	for name, value := range up.Parts {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write %s part: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
