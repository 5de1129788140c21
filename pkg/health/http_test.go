package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerHealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL + "/config/").Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Contains(t, res.Message, "200")
	assert.False(t, res.CheckedAt.IsZero())
}

func TestHTTPCheckerUnhealthyOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "500")
	assert.Contains(t, res.Message, "expected 200-399")
}

func TestHTTPCheckerConnectionRefused(t *testing.T) {
	// Grab a live URL, then shut the server so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewHTTPChecker(url).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "request failed")
}

func TestHTTPCheckerCustomStatusRangeAndMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL).
		WithMethod(http.MethodHead).
		WithStatusRange(204, 204)
	res := checker.Check(context.Background())

	require.True(t, res.Healthy)
	assert.Equal(t, http.MethodHead, gotMethod)

	checker.WithStatusRange(200, 200)
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPCheckerSendsHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	NewHTTPChecker(srv.URL).
		WithHeader("Authorization", "Bearer tok").
		Check(context.Background())
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestHTTPCheckerType(t *testing.T) {
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("http://127.0.0.1:2019").Type())
}

func TestTCPCheckerAgainstListener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.Listener.Addr().String()

	res := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, res.Healthy)

	srv.Close()
	res = NewTCPChecker(addr).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "connection failed")
}

func TestExecCheckerExitCodes(t *testing.T) {
	ok := NewExecChecker([]string{"true"}).Check(context.Background())
	assert.True(t, ok.Healthy)

	bad := NewExecChecker([]string{"false"}).Check(context.Background())
	assert.False(t, bad.Healthy)
	assert.Contains(t, bad.Message, "Exit: 1")

	empty := NewExecChecker(nil).Check(context.Background())
	assert.False(t, empty.Healthy)
}

func TestStatusHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	status := NewStatus()
	require.True(t, status.Healthy, "targets start healthy")

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	for i := 0; i < cfg.Retries-1; i++ {
		status.Update(fail, cfg)
		assert.True(t, status.Healthy, "one failure short of the threshold")
	}
	status.Update(fail, cfg)
	assert.False(t, status.Healthy, "threshold reached")

	status.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	assert.True(t, status.Healthy, "one success recovers")
	assert.Zero(t, status.ConsecutiveFailures)
}
