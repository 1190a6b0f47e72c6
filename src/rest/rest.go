package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	ErrNoPermission = errors.New("you do not have the permissions needed to perform this action")
	ErrNotFound     = errors.New("the requested resource has not been found")
	ErrServerError  = errors.New("the server responded with an error code")
)

// RateLimitError is returned when a request stayed rate limited after the
// bounded retry. Callers may retry after RetryAfter.
type RateLimitError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on bucket %q, retry after %s", e.Bucket, e.RetryAfter)
}

// REST sends requests through the rate limiter and keeps the limiter's
// buckets updated from every response.
type REST struct {
	httpClient *http.Client
	limiter    *RateLimiter
	botToken   string
	log        *slog.Logger
}

type RESTOptions struct {
	// Bucket overrides the rate limit bucket key; by default the key is
	// derived from the method and URL.
	Bucket string
	// AuditLogReason is attached as the X-Audit-Log-Reason header.
	AuditLogReason string
	Headers        map[string]string
}

func NewREST(botToken string, log *slog.Logger) *REST {
	return &REST{
		httpClient: http.DefaultClient,
		limiter:    NewRateLimiter(log),
		botToken:   botToken,
		log:        log,
	}
}

// Limiter exposes the client-owned rate limiter, mainly for callers that
// want to inspect bucket state.
func (r *REST) Limiter() *RateLimiter {
	return r.limiter
}

func (r *REST) applyHeaders(req *http.Request, options *RESTOptions) {
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if r.botToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bot %s", r.botToken))
	}
	if options == nil {
		return
	}
	if options.AuditLogReason != "" {
		req.Header.Set("X-Audit-Log-Reason", options.AuditLogReason)
	}
	for k, v := range options.Headers {
		req.Header.Set(k, v)
	}
}

func bucketKey(method string, url string, options *RESTOptions) string {
	if options != nil && options.Bucket != "" {
		return options.Bucket
	}
	return fmt.Sprintf("%s:%s", method, url)
}

// Do acquires a slot from the rate limiter, performs the request and
// feeds the response headers back into the limiter. A 429 despite the
// local permit is retried once after the server's wait; a second 429 is
// surfaced as a RateLimitError.
func (r *REST) Do(ctx context.Context, method string, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	bucket := bucketKey(method, url, options)
	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Acquire(ctx, bucket); err != nil {
			return nil, err
		}
		var attemptBody io.Reader
		if payload != nil {
			attemptBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, attemptBody)
		if err != nil {
			return nil, err
		}
		r.applyHeaders(req, options)
		res, err := r.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		r.limiter.Update(bucket, res)
		if res.StatusCode != http.StatusTooManyRequests {
			return res, interpretError(res)
		}
		res.Body.Close()
		retryAfter := parseRetryAfter(res)
		if attempt >= 1 {
			return nil, &RateLimitError{Bucket: bucket, RetryAfter: retryAfter}
		}
		r.log.Warn("rate limited despite local permit, retrying once",
			"bucket", bucket, "retry_after", retryAfter)
	}
}

// interpretError maps non-2xx status codes to sentinel errors. The
// response is still returned to the caller so the error body can be read.
func interpretError(res *http.Response) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 401 && res.StatusCode <= 403 || res.StatusCode == 407:
		return ErrNoPermission
	case res.StatusCode == 404:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %d", ErrServerError, res.StatusCode)
	}
}

func (r *REST) Get(ctx context.Context, url string, options *RESTOptions) (*http.Response, error) {
	return r.Do(ctx, http.MethodGet, url, nil, options)
}

func (r *REST) Post(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	return r.Do(ctx, http.MethodPost, url, body, options)
}

func (r *REST) Put(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	return r.Do(ctx, http.MethodPut, url, body, options)
}

func (r *REST) Patch(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	return r.Do(ctx, http.MethodPatch, url, body, options)
}

func (r *REST) Delete(ctx context.Context, url string, options *RESTOptions) (*http.Response, error) {
	return r.Do(ctx, http.MethodDelete, url, nil, options)
}
