package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "xjedubot/pkg/logx"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return NewFetcher(FetchOptions{
		Timeout:   2 * time.Second,
		RetryMax:  2,
		RetryBase: 5 * time.Millisecond,
	}, logx.Nop())
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	body, err := newTestFetcher(t).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("<html>ok</html>"), body)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	body, err := newTestFetcher(t).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), body)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchBlockedNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusTooManyRequests} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		_, err := newTestFetcher(t).Fetch(context.Background(), srv.URL)
		var blocked *BlockedError
		require.ErrorAs(t, err, &blocked)
		require.Equal(t, status, blocked.Status)
		require.EqualValues(t, 1, calls.Load(), "blocked responses must not be retried")
		srv.Close()
	}
}

func TestFetchChallengeMarkerInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>dynamic_challenge: please enable JavaScript</body></html>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), srv.URL)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "dynamic_challenge", blocked.Marker)
}

func TestFetchClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), srv.URL)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, http.StatusNotFound, herr.Status)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	f := NewFetcher(FetchOptions{Timeout: 50 * time.Millisecond, RetryMax: 0, RetryBase: time.Millisecond}, logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
}

func TestFetchNetworkError(t *testing.T) {
	f := NewFetcher(FetchOptions{Timeout: time.Second, RetryMax: 0, RetryBase: time.Millisecond}, logx.Nop())
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1") // nothing listens there
	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
}

func TestFetchBodySizeBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		big := make([]byte, 1<<20)
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	f := NewFetcher(FetchOptions{Timeout: 2 * time.Second, MaxBodySize: 1024, RetryBase: time.Millisecond}, logx.Nop())
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, body, 1024)
}
