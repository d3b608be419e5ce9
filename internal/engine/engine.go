// Package engine evaluates Starlark programs against the host libraries.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	libtime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/hosttrace/hosttrace/hostcall"
	"github.com/hosttrace/hosttrace/lib/datetime"
)

// Options configures an Engine. The zero value is usable.
type Options struct {
	// Clock overrides the wall clock seen by the datetime library.
	Clock func() (time.Time, error)
	// Location is the zone in which datetime.local_now reads the clock.
	Location *time.Location
	// Recorder, if set, observes every host call.
	Recorder hostcall.Recorder
	// MaxSteps bounds the computation steps of one evaluation; 0 means no limit.
	MaxSteps uint64
	// Root is the directory against which load() resolves file modules.
	Root string
	Logger zerolog.Logger
}

// An Engine holds the predeclared environment shared by evaluations.
// It is safe for concurrent use; every evaluation gets its own thread.
type Engine struct {
	opts        Options
	predeclared starlark.StringDict
}

// New returns an engine with the host libraries predeclared.
func New(opts Options) *Engine {
	return &Engine{
		opts: opts,
		predeclared: starlark.StringDict{
			datetime.ModuleName: datetime.Module,
			"time":              libtime.Module,
			"math":              math.Module,
			"json":              json.Module,
			"struct":            starlark.NewBuiltin("struct", starlarkstruct.Make),
			"module":            starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		},
	}
}

// Predeclared returns the names visible to every program.
func (e *Engine) Predeclared() starlark.StringDict { return e.predeclared }

// builtinModules may be named directly in load statements.
var builtinModules = map[string]func() (starlark.StringDict, error){
	datetime.ModuleName: datetime.LoadModule,
	"time":              libraryModule("time", libtime.Module),
	"math":              libraryModule("math", math.Module),
	"json":              libraryModule("json", json.Module),
}

func libraryModule(name string, module starlark.Value) func() (starlark.StringDict, error) {
	return func() (starlark.StringDict, error) {
		return starlark.StringDict{name: module}, nil
	}
}

// Thread-local keys. Children that execute loads inherit the context
// and the load step counter; the step limit is per thread.
const (
	contextKey   = "context"
	loadStepsKey = "hosttrace.loadsteps"
	limitKey     = "hosttrace.maxsteps"
)

// SetContext stores ctx in the thread. Modules loaded by the thread are
// cancelled when ctx is done.
func SetContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(contextKey, ctx)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// loadSteps counts the steps executed by loaded modules.
type loadSteps struct{ n uint64 }

func getLoadSteps(thread *starlark.Thread) *loadSteps {
	if ls, ok := thread.Local(loadStepsKey).(*loadSteps); ok {
		return ls
	}
	ls := new(loadSteps)
	thread.SetLocal(loadStepsKey, ls)
	return ls
}

func setLimit(thread *starlark.Thread, limit uint64) {
	if limit == 0 {
		limit = 1
	}
	thread.SetLocal(limitKey, limit)
	thread.SetMaxExecutionSteps(limit)
}

// ResetSteps gives a long-lived thread a fresh step budget, as if it
// were starting a new evaluation.
func (e *Engine) ResetSteps(thread *starlark.Thread) {
	if e.opts.MaxSteps > 0 {
		setLimit(thread, thread.ExecutionSteps()+e.opts.MaxSteps)
	}
}

// NewThread returns a thread configured with the engine's clock,
// location, recorder and step limit, printing to out.
func (e *Engine) NewThread(name string, out io.Writer) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(out, msg)
		},
		Load: e.makeLoad(),
	}
	if e.opts.Clock != nil {
		datetime.SetClock(thread, e.opts.Clock)
	}
	if e.opts.Location != nil {
		datetime.SetLocation(thread, e.opts.Location)
	}
	if e.opts.Recorder != nil {
		hostcall.SetRecorder(thread, e.opts.Recorder)
	}
	if e.opts.MaxSteps > 0 {
		setLimit(thread, e.opts.MaxSteps)
	}
	return thread
}

const resultName = "__result__"

// A Result describes a completed evaluation.
type Result struct {
	// Output is everything the program printed.
	Output string
	// Value is the value of a trailing expression statement, or None.
	Value starlark.Value
	// Globals are the program's global variables, excluding predeclared names.
	Globals starlark.StringDict
	// Steps is the number of computation steps executed.
	Steps    uint64
	Duration time.Duration
}

// ValueString renders Value the way the evaluation service reports it:
// strings unquoted, everything else in Starlark syntax.
func (r *Result) ValueString() string {
	if r.Value == nil {
		return "None"
	}
	if s, ok := starlark.AsString(r.Value); ok {
		return s
	}
	return r.Value.String()
}

// Eval executes the program src (a string, []byte or io.Reader; nil
// means read filename) and returns its printed output and the value of
// its final expression statement, if any.
//
// Cancelling ctx cancels the Starlark thread. A failed evaluation still
// returns the output printed before the failure.
func (e *Engine) Eval(ctx context.Context, filename string, src interface{}) (*Result, error) {
	return e.EvalEnv(ctx, filename, src, nil)
}

// EvalEnv is like Eval but also predeclares the names in env.
func (e *Engine) EvalEnv(ctx context.Context, filename string, src interface{}, env starlark.StringDict) (*Result, error) {
	var out bytes.Buffer
	thread := e.NewThread("exec "+filename, &out)
	return e.evalThread(ctx, thread, &out, filename, src, env)
}

func (e *Engine) evalThread(ctx context.Context, thread *starlark.Thread, out *bytes.Buffer, filename string, src interface{}, env starlark.StringDict) (*Result, error) {
	start := time.Now()
	res := &Result{Value: starlark.None}
	SetContext(thread, ctx)
	ls := getLoadSteps(thread)
	defer func() {
		res.Steps = thread.ExecutionSteps() + ls.n
		res.Duration = time.Since(start)
		if out != nil {
			res.Output = out.String()
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go watch(ctx, thread, done)

	f, err := syntax.Parse(filename, src, 0)
	if err != nil {
		return res, err
	}

	// A trailing expression statement becomes an assignment to a hidden
	// global so that it sees the file's load bindings.
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			pos, _ := stmt.Span()
			f.Stmts[n-1] = &syntax.AssignStmt{
				OpPos: pos,
				Op:    syntax.EQ,
				LHS:   &syntax.Ident{NamePos: pos, Name: resultName},
				RHS:   stmt.X,
			}
		}
	}

	globals := make(starlark.StringDict, len(e.predeclared)+len(env))
	for k, v := range e.predeclared {
		globals[k] = v
	}
	for k, v := range env {
		globals[k] = v
	}
	err = starlark.ExecREPLChunk(f, thread, globals)
	if v, ok := globals[resultName]; ok {
		res.Value = v
		delete(globals, resultName)
	}
	for k, v := range env {
		if g, ok := globals[k]; ok && g == v {
			delete(globals, k)
		}
	}
	res.Globals = e.userGlobals(globals)
	if err != nil {
		return res, err
	}
	e.opts.Logger.Debug().
		Str("file", filename).
		Uint64("steps", thread.ExecutionSteps()+ls.n).
		Msg("evaluated")
	return res, nil
}

// watch cancels thread when ctx is done, until done is closed.
func watch(ctx context.Context, thread *starlark.Thread, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
	case <-done:
	}
}

func (e *Engine) userGlobals(globals starlark.StringDict) starlark.StringDict {
	user := make(starlark.StringDict)
	for k, v := range globals {
		if p, ok := e.predeclared[k]; ok && p == v {
			continue
		}
		user[k] = v
	}
	return user
}

// makeLoad returns a sequential module loader with a private cache.
// Builtin library names load the library; other names are files
// relative to the engine root.
func (e *Engine) makeLoad() func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	type entry struct {
		globals starlark.StringDict
		err     error
	}

	var cache = make(map[string]*entry)

	return func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
		if lib, ok := builtinModules[module]; ok {
			return lib()
		}

		ent, ok := cache[module]
		if ent == nil {
			if ok {
				// request for package whose loading is in progress
				return nil, fmt.Errorf("cycle in load graph")
			}

			// Add a placeholder to indicate "load in progress".
			cache[module] = nil

			path, err := e.resolve(module)
			if err != nil {
				ent = &entry{nil, err}
			} else {
				globals, err := e.execModule(thread, module, path)
				ent = &entry{globals, err}
			}

			// Update the cache.
			cache[module] = ent
		}
		return ent.globals, ent.err
	}
}

// execModule runs the file at path on a child of thread. The child
// shares the parent's loader (and so its cache), recorder and context.
// It may use only the parent's remaining step budget, and the steps it
// executes are charged to the parent.
func (e *Engine) execModule(thread *starlark.Thread, module, path string) (starlark.StringDict, error) {
	child := &starlark.Thread{Name: "exec " + module, Print: thread.Print, Load: thread.Load}
	if rec := hostcall.GetRecorder(thread); rec != nil {
		hostcall.SetRecorder(child, rec)
	}
	if e.opts.Clock != nil {
		datetime.SetClock(child, e.opts.Clock)
	}
	if e.opts.Location != nil {
		datetime.SetLocation(child, e.opts.Location)
	}
	ctx := threadContext(thread)
	SetContext(child, ctx)
	ls := getLoadSteps(thread)
	child.SetLocal(loadStepsKey, ls)

	limit, limited := thread.Local(limitKey).(uint64)
	if limited {
		used := thread.ExecutionSteps()
		if used >= limit {
			return nil, fmt.Errorf("load %s: step limit exceeded", module)
		}
		setLimit(child, limit-used)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", module, err)
	}

	done := make(chan struct{})
	go watch(ctx, child, done)
	globals, err := starlark.ExecFile(child, path, nil, e.predeclared)
	close(done)

	steps := child.ExecutionSteps()
	ls.n += steps
	if limited {
		if steps < limit {
			setLimit(thread, limit-steps)
		} else {
			setLimit(thread, thread.ExecutionSteps())
		}
	}
	return globals, err
}

// resolve maps a load path to a file under the root, refusing paths
// that escape it.
func (e *Engine) resolve(module string) (string, error) {
	root := e.opts.Root
	if root == "" {
		root = "."
	}
	clean := filepath.Clean(filepath.FromSlash(module))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("load: module %q is outside the script root", module)
	}
	path := filepath.Join(root, clean)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("load: module %q not found", module)
		}
		return "", fmt.Errorf("load: %w", err)
	}
	return path, nil
}

// FormatError renders err for a user: the Starlark backtrace for
// evaluation errors, the message otherwise.
func FormatError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
