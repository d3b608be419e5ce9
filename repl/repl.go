// Package repl provides a read/eval/print loop over the hosttrace engine.
//
// It supports readline-style command editing,
// and interrupts through Control-C.
//
// If an input line can be parsed as an expression,
// the REPL parses and evaluates it and prints its result.
// Otherwise the REPL reads lines until a blank line,
// then tries again to parse the multi-line input as an
// expression. If the input still cannot be parsed as an expression,
// the REPL parses and executes it as a file (a list of statements),
// for side effects.
//
// Host calls made at the prompt are recorded like those of any other
// program when the engine has a recorder.
package repl // import "github.com/hosttrace/hosttrace/repl"

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chzyer/readline"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"golang.org/x/term"

	"github.com/hosttrace/hosttrace/internal/engine"
)

var interrupted = make(chan os.Signal, 1)

// Run starts the loop when in is a terminal. Otherwise it executes the
// whole of in as a single program named "<stdin>".
func Run(ctx context.Context, eng *engine.Engine, in *os.File, out, errw io.Writer) error {
	if !term.IsTerminal(int(in.Fd())) {
		return Exec(ctx, eng, "<stdin>", in, out, errw)
	}
	fmt.Fprintln(out, "Welcome to hosttrace (Starlark with traced host libraries)")
	thread := eng.NewThread("REPL", out)
	globals := make(starlark.StringDict)
	for k, v := range eng.Predeclared() {
		globals[k] = v
	}
	REPL(ctx, eng, thread, globals, out, errw)
	return ctx.Err()
}

// Exec evaluates src as one program, writing its output and the value of
// a trailing expression (unless None) to out. Errors are printed to errw
// and returned.
func Exec(ctx context.Context, eng *engine.Engine, name string, src io.Reader, out, errw io.Writer) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	res, err := eng.Eval(ctx, name, data)
	if res != nil {
		io.WriteString(out, res.Output)
	}
	if err != nil {
		PrintError(errw, err)
		return err
	}
	if res.Value != starlark.None {
		fmt.Fprintln(out, res.Value)
	}
	return nil
}

// REPL executes a read, eval, print loop until EOF or until ctx is done.
//
// Before evaluating each expression, it sets the Starlark thread local
// variable named "context" to a context.Context that is cancelled by a
// SIGINT (Control-C) or when ctx is done. Cancellation also cancels the
// thread, interrupting a running item. Each item gets the engine's full
// step budget.
func REPL(ctx context.Context, eng *engine.Engine, thread *starlark.Thread, globals starlark.StringDict, out, errw io.Writer) {
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)

	rl, err := readline.NewEx(&readline.Config{Prompt: ">>> ", Stdout: out, Stderr: errw})
	if err != nil {
		PrintError(errw, err)
		return
	}
	defer rl.Close()
	for ctx.Err() == nil {
		if err := rep(ctx, rl, eng, thread, globals, out, errw); err != nil {
			if err == readline.ErrInterrupt {
				fmt.Fprintln(out, err)
				continue
			}
			break
		}
	}
	fmt.Fprintln(out)
}

// rep reads, evaluates, and prints one item.
//
// It returns an error (possibly readline.ErrInterrupt)
// only if readline failed. Starlark errors are printed.
func rep(ctx context.Context, rl *readline.Instance, eng *engine.Engine, thread *starlark.Thread, globals starlark.StringDict, out, errw io.Writer) error {
	// Each item gets its own context,
	// which is cancelled by a SIGINT.
	//
	// Note: during Readline calls, Control-C causes Readline to return
	// ErrInterrupt but does not generate a SIGINT.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-interrupted:
			cancel()
		case <-ctx.Done():
		}
	}()

	eof := false

	// readline returns EOF, ErrInterrupted, or a line including "\n".
	rl.SetPrompt(">>> ")
	readline := func() ([]byte, error) {
		line, err := rl.Readline()
		rl.SetPrompt("... ")
		if err != nil {
			if err == io.EOF {
				eof = true
			}
			return nil, err
		}
		return []byte(line + "\n"), nil
	}

	// parse
	f, err := syntax.ParseCompoundStmt("<stdin>", readline)
	if err != nil {
		if eof {
			return io.EOF
		}
		PrintError(errw, err)
		return nil
	}

	return runItem(ctx, eng, thread, f, globals, out, errw)
}

// runItem evaluates one item on thread, cancelling the thread if ctx is
// done first.
func runItem(ctx context.Context, eng *engine.Engine, thread *starlark.Thread, f *syntax.File, globals starlark.StringDict, out, errw io.Writer) error {
	thread.Uncancel()
	eng.ResetSteps(thread)
	engine.SetContext(thread, ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("interrupted")
		case <-done:
		}
	}()
	return evalItem(thread, f, globals, out, errw)
}

// evalItem executes one parsed item against globals.
func evalItem(thread *starlark.Thread, f *syntax.File, globals starlark.StringDict, out, errw io.Writer) error {
	// Treat load bindings as global in the REPL.
	defer func(prev bool) { resolve.LoadBindsGlobally = prev }(resolve.LoadBindsGlobally)
	resolve.LoadBindsGlobally = true

	if expr := soleExpr(f); expr != nil {
		// eval
		v, err := starlark.EvalExpr(thread, expr, globals)
		if err != nil {
			PrintError(errw, err)
			return nil
		}

		// print
		if v != starlark.None {
			fmt.Fprintln(out, v)
		}
	} else if err := starlark.ExecREPLChunk(f, thread, globals); err != nil {
		PrintError(errw, err)
		return nil
	}
	return nil
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// PrintError prints the error to w,
// or its backtrace if it is a Starlark evaluation error.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, engine.FormatError(err))
}
