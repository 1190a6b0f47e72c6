package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSetsAuthorizationAndHeaders(t *testing.T) {
	var gotAuth, gotContentType, gotReason string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotReason = r.Header.Get("X-Audit-Log-Reason")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewREST("token123", testLogger())
	res, err := client.Get(context.Background(), srv.URL, &RESTOptions{
		AuditLogReason: "cleanup",
	})
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, "Bot token123", gotAuth)
	assert.Equal(t, "application/json; charset=UTF-8", gotContentType)
	assert.Equal(t, "cleanup", gotReason)
}

func TestDoFeedsResponseHeadersIntoLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "10")
		w.Header().Set("X-RateLimit-Remaining", "7")
		w.Header().Set("X-RateLimit-Reset-After", "1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewREST("token123", testLogger())
	res, err := client.Get(context.Background(), srv.URL, &RESTOptions{Bucket: "GET:/users/@me"})
	require.NoError(t, err)
	res.Body.Close()

	b := client.Limiter().Bucket("GET:/users/@me")
	assert.Equal(t, 10, b.Limit)
	assert.Equal(t, 7, b.Remaining)
}

func TestDoRetriesOnceAfter429(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewREST("token123", testLogger())
	res, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, int32(2), requests.Load())
}

func TestDoSurfacesPersistentRateLimit(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Retry-After", "0.05")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewREST("token123", testLogger())
	_, err := client.Get(context.Background(), srv.URL, nil)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int32(2), requests.Load())
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var requests atomic.Int32
	var secondBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewREST("token123", testLogger())
	res, err := client.Post(context.Background(), srv.URL, strings.NewReader(`{"content":"hi"}`), nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, `{"content":"hi"}`, secondBody)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, ErrNoPermission},
		{"unauthorized", http.StatusUnauthorized, ErrNoPermission},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := NewREST("token123", testLogger())
			res, err := client.Get(context.Background(), srv.URL, nil)
			require.ErrorIs(t, err, tc.want)
			// The response is still handed back so the error body can
			// be inspected.
			require.NotNil(t, res)
			res.Body.Close()
		})
	}
}
