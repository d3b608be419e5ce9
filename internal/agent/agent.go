// Package agent runs Starlark programs with host-call capture enabled.
//
// A traced run evaluates one program (or every program in a directory)
// and writes each direct call into the host libraries to a capture file
// named after the program, under a directory named after the start time
// of the run.
package agent

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hosttrace/hosttrace/hostcall"
	"github.com/hosttrace/hosttrace/internal/config"
	"github.com/hosttrace/hosttrace/internal/engine"
	"github.com/hosttrace/hosttrace/internal/lock"
	"github.com/hosttrace/hosttrace/internal/metrics"
	"github.com/hosttrace/hosttrace/internal/probe"
	"github.com/hosttrace/hosttrace/internal/trace"
)

type Agent struct {
	Trace   config.TraceConfig
	Engine  config.EngineConfig
	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional

	// Clock, if set, replaces the wall clock seen by programs.
	Clock    func() (time.Time, error)
	Location *time.Location
	// Now names the run directory; defaults to time.Now.
	Now    func() time.Time
	Client *http.Client
}

// A Report describes one traced program.
type Report struct {
	Script   string
	Capture  string
	Calls    int
	Output   string
	Value    string
	Duration time.Duration
}

// Run traces the configured script, or the embedded probe when none is
// configured.
func (a *Agent) Run(ctx context.Context) (*Report, error) {
	l, err := lock.Acquire(trace.LockPath(a.Trace.OutDir))
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	if err := a.waitForInstance(ctx); err != nil {
		return nil, err
	}

	name, src := a.Trace.ScriptName, interface{}(nil)
	filename := a.Trace.Script
	if filename == "" {
		filename = probe.Name
		src = probe.Script()
	}
	if name == "" {
		name = filename
	}
	path := trace.CapturePath(a.Trace.OutDir, trace.Timestamp(a.now()), name)
	return a.traceFile(ctx, a.Engine.Root, filename, path, src)
}

// RunDir traces every .star file under dir, at most Trace.Parallelism
// at a time. Reports are returned in path order; programs that fail do
// not stop the others.
func (a *Agent) RunDir(ctx context.Context, dir string) ([]*Report, error) {
	l, err := lock.Acquire(trace.LockPath(a.Trace.OutDir))
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	if err := a.waitForInstance(ctx); err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".star") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	ts := trace.Timestamp(a.now())
	reports := make([]*Report, len(files))
	errs := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	if a.Trace.Parallelism > 0 {
		g.SetLimit(a.Trace.Parallelism)
	}
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			rel, err := filepath.Rel(dir, file)
			if err != nil {
				rel = filepath.Base(file)
			}
			path := trace.TreeCapturePath(a.Trace.OutDir, ts, rel)
			reports[i], errs[i] = a.traceFile(gctx, dir, file, path, nil)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return reports, fmt.Errorf("%d of %d programs failed", failed, len(files))
	}
	return reports, nil
}

func (a *Agent) traceFile(ctx context.Context, root, filename, path string, src interface{}) (*Report, error) {
	rec, err := trace.NewFileRecorder(path, a.Logger)
	if err != nil {
		return nil, err
	}

	var recorder hostcall.Recorder = rec
	if a.Metrics != nil {
		recorder = hostcall.Tee(rec, a.Metrics.Recorder())
	}
	eng := engine.New(engine.Options{
		Clock:    a.Clock,
		Location: a.Location,
		Recorder: recorder,
		MaxSteps: a.Engine.MaxSteps,
		Root:     root,
		Logger:   a.Logger,
	})

	if a.Engine.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Engine.Timeout)
		defer cancel()
	}

	log := a.Logger.With().Str("script", filename).Str("capture", path).Logger()
	log.Info().Msg("tracing")

	res, err := eng.Eval(ctx, filename, src)
	if a.Metrics != nil {
		a.Metrics.Observe(res.Duration, err)
	}
	report := &Report{
		Script:   filename,
		Capture:  path,
		Calls:    rec.Count(),
		Output:   res.Output,
		Value:    res.ValueString(),
		Duration: res.Duration,
	}
	if err != nil {
		log.Error().Err(err).Int("calls", report.Calls).Msg("program failed")
		return report, fmt.Errorf("%s: %w", filename, err)
	}
	if err := rec.Err(); err != nil {
		log.Error().Err(err).Msg("capture incomplete")
		return report, err
	}
	log.Info().Int("calls", report.Calls).Dur("duration", report.Duration).Msg("program traced")
	return report, nil
}

func (a *Agent) waitForInstance(ctx context.Context) error {
	url := a.Trace.InstanceURL
	if url == "" {
		return nil
	}
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: a.Trace.ConnectTimeout}
	}

	attempt := 0
	err := retry(ctx, a.Trace.ConnectTries, a.Trace.ConnectInterval, func() error {
		attempt++
		err := checkInstance(ctx, client, url)
		if err != nil {
			a.Logger.Warn().Err(err).Int("attempt", attempt).Msg("instance not ready")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("instance %s not ready after %d attempts: %w", url, attempt, err)
	}
	a.Logger.Info().Str("url", url).Msg("instance ready")
	return nil
}

func (a *Agent) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
