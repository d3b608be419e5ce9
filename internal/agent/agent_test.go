package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hosttrace/hosttrace/internal/config"
	"github.com/hosttrace/hosttrace/internal/lock"
	"github.com/hosttrace/hosttrace/internal/metrics"
	"github.com/hosttrace/hosttrace/internal/trace"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newAgent(t *testing.T) *Agent {
	t.Helper()
	return &Agent{
		Trace: config.TraceConfig{
			OutDir:          t.TempDir(),
			ConnectTries:    3,
			ConnectInterval: time.Millisecond,
			Parallelism:     2,
		},
		Engine:   config.EngineConfig{Timeout: time.Minute},
		Logger:   zerolog.Nop(),
		Clock:    func() (time.Time, error) { return fixedNow, nil },
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
	}
}

func TestRunProbe(t *testing.T) {
	a := newAgent(t)
	a.Metrics = metrics.New()

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Trace.OutDir, "2024-01-15_10-00-00", "probe.jsonl"), report.Capture)
	assert.Equal(t, 10, report.Calls)
	assert.Equal(t, "-1", report.Value)

	records, err := trace.ReadCapture(report.Capture)
	require.NoError(t, err)
	require.Len(t, records, 10)
	assert.Equal(t, "<datetime: local_now()>", records[0].Signature)
	assert.Equal(t, "<datetime.date: compare_to(datetime.date)>", records[9].Signature)
}

func TestRunScriptNamed(t *testing.T) {
	a := newAgent(t)
	script := filepath.Join(t.TempDir(), "hello.star")
	require.NoError(t, os.WriteFile(script, []byte("print(datetime.local_now())\n"), 0o600))
	a.Trace.Script = script
	a.Trace.ScriptName = "custom"

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "custom.jsonl", filepath.Base(report.Capture))
	assert.Equal(t, 1, report.Calls)
	assert.Equal(t, "2024-01-15T10:00\n", report.Output)
}

func TestRunFailureKeepsCapture(t *testing.T) {
	a := newAgent(t)
	script := filepath.Join(t.TempDir(), "bad.star")
	require.NoError(t, os.WriteFile(script, []byte("now = datetime.local_now()\nnow.minus_hours('x')\n"), 0o600))
	a.Trace.Script = script

	report, err := a.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Calls)
}

func TestRunHeldLock(t *testing.T) {
	a := newAgent(t)
	l, err := lock.Acquire(filepath.Join(a.Trace.OutDir, ".lock"))
	require.NoError(t, err)
	defer l.Release()

	_, err = a.Run(context.Background())
	assert.ErrorContains(t, err, "holds the lock")
}

func TestWaitForInstance(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newAgent(t)
	a.Trace.InstanceURL = srv.URL
	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestWaitForInstanceGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newAgent(t)
	a.Trace.InstanceURL = srv.URL
	_, err := a.Run(context.Background())
	assert.ErrorContains(t, err, "not ready after 3 attempts")
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.star"), []byte("datetime.local_now()\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.star"), []byte("datetime.instant_now()\ndatetime.date()\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "broken.star"), []byte("x = 1 // 0\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))

	a := newAgent(t)
	reports, err := a.RunDir(context.Background(), dir)
	assert.ErrorContains(t, err, "1 of 3 programs failed")
	require.Len(t, reports, 3)

	assert.Equal(t, 1, reports[0].Calls)
	assert.Equal(t, filepath.Join(a.Trace.OutDir, "2024-01-15_10-00-00", "sub", "b.jsonl"), reports[1].Capture)
	assert.Equal(t, 2, reports[1].Calls)
	assert.Equal(t, 0, reports[2].Calls)

	files, err := trace.List(a.Trace.OutDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestRunDirDistinctCaptures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.y.star"), []byte("datetime.local_now()\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "y.star"), []byte("datetime.date()\ndatetime.date()\n"), 0o600))

	a := newAgent(t)
	reports, err := a.RunDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.NotEqual(t, reports[0].Capture, reports[1].Capture)

	counts := map[string]int{}
	for _, r := range reports {
		records, err := trace.ReadCapture(r.Capture)
		require.NoError(t, err)
		counts[filepath.Base(r.Script)] = len(records)
	}
	assert.Equal(t, map[string]int{"x.y.star": 1, "y.star": 2}, counts)
}
