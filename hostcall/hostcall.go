// Package hostcall lets an application observe the calls a Starlark
// program makes into host libraries.
//
// Host libraries route each builtin function and method through Invoke.
// When a Recorder has been installed on the thread with SetRecorder,
// Invoke reports the call to it before running the host code. While the
// host code runs, capture is suspended on that thread, so a host function
// that calls back into other host functions produces a single record.
package hostcall // import "github.com/hosttrace/hosttrace/hostcall"

import (
	"strings"
	"time"

	"go.starlark.net/starlark"
)

const (
	recorderKey = "hostcall.recorder"
	captureKey  = "hostcall.capture"
)

// A Call describes one invocation of a host function or method.
type Call struct {
	Receiver string   // Starlark type of the receiver, or the module name
	Method   string   // method or function name
	Args     []string // Starlark types of the positional then keyword arguments
	At       time.Time
}

// Signature renders the call in the form <receiver: method(arg, ...)>.
func (c Call) Signature() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(c.Receiver)
	b.WriteString(": ")
	b.WriteString(c.Method)
	b.WriteByte('(')
	b.WriteString(strings.Join(c.Args, ", "))
	b.WriteString(")>")
	return b.String()
}

// A Recorder receives the host calls made by a thread.
// Record must not call back into Starlark.
type Recorder interface {
	Record(thread *starlark.Thread, call Call)
}

// RecorderFunc adapts an ordinary function to the Recorder interface.
type RecorderFunc func(thread *starlark.Thread, call Call)

func (f RecorderFunc) Record(thread *starlark.Thread, call Call) { f(thread, call) }

// Tee returns a Recorder that passes each call to every non-nil r in order.
func Tee(rs ...Recorder) Recorder {
	var live []Recorder
	for _, r := range rs {
		if r != nil {
			live = append(live, r)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return RecorderFunc(func(thread *starlark.Thread, call Call) {
		for _, r := range live {
			r.Record(thread, call)
		}
	})
}

// SetRecorder installs r on the thread and enables capture.
// A nil r removes any recorder.
func SetRecorder(thread *starlark.Thread, r Recorder) {
	thread.SetLocal(recorderKey, r)
	thread.SetLocal(captureKey, r != nil)
}

// GetRecorder returns the thread's recorder, or nil.
func GetRecorder(thread *starlark.Thread) Recorder {
	r, _ := thread.Local(recorderKey).(Recorder)
	return r
}

// Capturing reports whether calls made now on the thread would be recorded.
func Capturing(thread *starlark.Thread) bool {
	on, _ := thread.Local(captureKey).(bool)
	return on && GetRecorder(thread) != nil
}

// setCapture updates the capture flag and returns its previous value.
func setCapture(thread *starlark.Thread, on bool) bool {
	prev, _ := thread.Local(captureKey).(bool)
	thread.SetLocal(captureKey, on)
	return prev
}

// NowFunc stamps recorded calls. Tests may replace it.
var NowFunc = time.Now

// Invoke runs fn as the host implementation of the named call.
// recv is the receiver type (or module name) and method the function name.
func Invoke(thread *starlark.Thread, recv, method string, args starlark.Tuple, kwargs []starlark.Tuple, fn func() (starlark.Value, error)) (starlark.Value, error) {
	if thread == nil || !Capturing(thread) {
		return fn()
	}

	GetRecorder(thread).Record(thread, Call{
		Receiver: recv,
		Method:   method,
		Args:     argTypes(args, kwargs),
		At:       NowFunc(),
	})

	prev := setCapture(thread, false)
	defer setCapture(thread, prev)
	return fn()
}

func argTypes(args starlark.Tuple, kwargs []starlark.Tuple) []string {
	if len(args)+len(kwargs) == 0 {
		return nil
	}
	types := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		types = append(types, a.Type())
	}
	for _, kv := range kwargs {
		name, _ := starlark.AsString(kv[0])
		types = append(types, name+"="+kv[1].Type())
	}
	return types
}
