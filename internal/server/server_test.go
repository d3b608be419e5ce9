package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hosttrace/hosttrace/internal/config"
	"github.com/hosttrace/hosttrace/internal/engine"
	"github.com/hosttrace/hosttrace/internal/metrics"
	"github.com/hosttrace/hosttrace/internal/probe"
)

func newServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s := New(cfg, engine.Options{
		Clock:    func() (time.Time, error) { return fixed, nil },
		Location: time.UTC,
	}, metrics.New(), zerolog.Nop())
	return s
}

func postForm(t *testing.T, h http.Handler, code string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"code": {code}}
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestEvalProbe(t *testing.T) {
	s := newServer(t, config.ServerConfig{RequestTimeout: time.Minute})
	rr := postForm(t, s.Handler(), probe.Script())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "-1\n", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}

func TestEvalOutputThenValue(t *testing.T) {
	s := newServer(t, config.ServerConfig{})
	rr := postForm(t, s.Handler(), "print('hi')\nprint(datetime.local_now())\n1 + 1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hi\n2024-01-15T10:00\n2\n", rr.Body.String())
}

func TestEvalErrorBacktrace(t *testing.T) {
	s := newServer(t, config.ServerConfig{})
	rr := postForm(t, s.Handler(), "print('before')\nx = 1 // 0")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.HasPrefix(body, "before\n"), body)
	assert.Contains(t, body, "Traceback")
	assert.Contains(t, body, "eval.star:2")
	assert.Contains(t, body, "division by zero")

	mr := httptest.NewRecorder()
	s.Handler().ServeHTTP(mr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, mr.Body.String(), `hosttrace_evaluations_total{status="error"} 1`)
}

func TestEvalRawBody(t *testing.T) {
	s := newServer(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/eval?debug=1", strings.NewReader("request.method + ' ' + request.query['debug']"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "POST 1\n", rr.Body.String())
}

func TestEvalMissingCode(t *testing.T) {
	s := newServer(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader("other=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/eval", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEvalBodyLimit(t *testing.T) {
	s := newServer(t, config.ServerConfig{MaxBodyBytes: 8})
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(strings.Repeat("1 + ", 10)+"1"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestEvalStepLimit(t *testing.T) {
	s := newServer(t, config.ServerConfig{MaxSteps: 1000})
	rr := postForm(t, s.Handler(), "def f():\n  for i in range(1000000):\n    pass\nf()")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "too many steps")
}

func TestIndexAndHealth(t *testing.T) {
	s := newServer(t, config.ServerConfig{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<title>hosttrace</title>")

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","service":"hosttrace"}`, rr.Body.String())
}

// The request host is example.com, so preflights come from another origin.
func TestCORSPreflight(t *testing.T) {
	s := newServer(t, config.ServerConfig{AllowOrigins: []string{"http://client.test"}})
	req := httptest.NewRequest(http.MethodOptions, "/eval", nil)
	req.Header.Set("Origin", "http://client.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://client.test", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsOtherOrigin(t *testing.T) {
	s := newServer(t, config.ServerConfig{AllowOrigins: []string{"http://client.test"}})
	req := httptest.NewRequest(http.MethodOptions, "/eval", nil)
	req.Header.Set("Origin", "http://intruder.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
