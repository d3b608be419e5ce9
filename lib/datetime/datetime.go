package datetime

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/hosttrace/hosttrace/hostcall"
)

// ModuleName defines the expected name for this Module when used in the
// starlark runtime.
const ModuleName = "datetime"

// Module datetime is a Starlark module of host date/time functions.
var Module = &starlarkstruct.Module{
	Name: ModuleName,
	Members: starlark.StringDict{
		"local_now":              hostBuiltin("local_now", localNow),
		"local_date_time":        hostBuiltin("local_date_time", newLocalDateTime),
		"parse_local":            hostBuiltin("parse_local", parseLocal),
		"offset":                 hostBuiltin("offset", newOffset),
		"instant_now":            hostBuiltin("instant_now", instantNow),
		"instant_of_epoch_milli": hostBuiltin("instant_of_epoch_milli", instantOfEpochMilli),
		"parse_instant":          hostBuiltin("parse_instant", parseInstant),
		"date":                   hostBuiltin("date", newDate),
		"date_from":              hostBuiltin("date_from", dateFrom),

		"UTC": UTC,
	},
}

// LoadModule loads the datetime module.
// It is concurrency-safe and idempotent.
func LoadModule() (starlark.StringDict, error) {
	return starlark.StringDict{
		ModuleName: Module,
	}, nil
}

// NowFunc is a function that generates the current time. Intentionally exported
// so that it can be overridden, for example by applications that require their
// Starlark scripts to be fully deterministic. A per-thread clock installed
// with SetClock takes precedence.
var NowFunc = time.Now

const (
	clockKey    = "datetime.clock"
	locationKey = "datetime.location"
)

// SetClock sets the function that reports the current time on the thread.
func SetClock(thread *starlark.Thread, clock func() (time.Time, error)) {
	thread.SetLocal(clockKey, clock)
}

// SetLocation sets the zone in which local_now reads the wall clock.
// Without it, time.Local is used.
func SetLocation(thread *starlark.Thread, loc *time.Location) {
	thread.SetLocal(locationKey, loc)
}

// Now reports the current time as seen by the thread.
func Now(thread *starlark.Thread) (time.Time, error) {
	if thread != nil {
		if clock, ok := thread.Local(clockKey).(func() (time.Time, error)); ok && clock != nil {
			return clock()
		}
	}
	if NowFunc == nil {
		return time.Time{}, errors.New("datetime.NowFunc is nil")
	}
	return NowFunc(), nil
}

func location(thread *starlark.Thread) *time.Location {
	if thread != nil {
		if loc, ok := thread.Local(locationKey).(*time.Location); ok && loc != nil {
			return loc
		}
	}
	return time.Local
}

type builtinFunc func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// hostBuiltin wraps a module function so that calls to it are observable
// through the hostcall package.
func hostBuiltin(name string, fn builtinFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return hostcall.Invoke(thread, ModuleName, name, args, kwargs, func() (starlark.Value, error) {
			return fn(thread, b, args, kwargs)
		})
	})
}

func localNow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	t, err := Now(thread)
	if err != nil {
		return nil, err
	}
	return LocalOf(t.In(location(thread))), nil
}

func newLocalDateTime(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var year, month, day, hour, minute, second, nanosecond int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"year", &year, "month", &month, "day", &day,
		"hour?", &hour, "minute?", &minute, "second?", &second, "nanosecond?", &nanosecond); err != nil {
		return nil, err
	}
	return NewLocalDateTime(year, time.Month(month), day, hour, minute, second, nanosecond)
}

func parseLocal(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	return ParseLocal(text)
}

func newOffset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var hours, minutes, seconds int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "hours?", &hours, "minutes?", &minutes, "seconds?", &seconds); err != nil {
		return nil, err
	}
	return OffsetOf(hours, minutes, seconds)
}

func instantNow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	t, err := Now(thread)
	if err != nil {
		return nil, err
	}
	return InstantOf(t), nil
}

func instantOfEpochMilli(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ms starlark.Int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ms); err != nil {
		return nil, err
	}
	i, ok := ms.Int64()
	if !ok {
		return nil, fmt.Errorf("%s: int value out of range (want signed 64-bit value)", b.Name())
	}
	return InstantOf(time.UnixMilli(i)), nil
}

func parseInstant(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return InstantOf(t), nil
}

func newDate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ms starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ms?", &ms); err != nil {
		return nil, err
	}
	switch x := ms.(type) {
	case starlark.NoneType:
		t, err := Now(thread)
		if err != nil {
			return nil, err
		}
		return DateOf(t), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("%s: int value out of range (want signed 64-bit value)", b.Name())
		}
		return Date(i), nil
	}
	return nil, fmt.Errorf("%s: got %s, want int or None", b.Name(), ms.Type())
}

func dateFrom(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var i Instant
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &i); err != nil {
		return nil, err
	}
	return DateFrom(i)
}

type builtinMethod func(thread *starlark.Thread, fnname string, recv starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func builtinAttr(recv starlark.Value, name string, methods map[string]builtinMethod) (starlark.Value, error) {
	method := methods[name]
	if method == nil {
		return nil, nil // no such method
	}

	// Allocate a closure over 'method'.
	impl := func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return hostcall.Invoke(thread, b.Receiver().Type(), b.Name(), args, kwargs, func() (starlark.Value, error) {
			return method(thread, b.Name(), b.Receiver(), args, kwargs)
		})
	}
	return starlark.NewBuiltin(name, impl).BindReceiver(recv), nil
}

func builtinAttrNames(methods map[string]builtinMethod) []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compareTimes returns -1, 0 or +1 as x is before, equal to or after y.
func compareTimes(x, y time.Time) int {
	switch {
	case x.Before(y):
		return -1
	case x.After(y):
		return 1
	}
	return 0
}

// threeway interprets a three-way comparison value cmp (-1, 0, +1)
// as a boolean comparison (e.g. x < y).
func threeway(op syntax.Token, cmp int) bool {
	switch op {
	case syntax.EQL:
		return cmp == 0
	case syntax.NEQ:
		return cmp != 0
	case syntax.LE:
		return cmp <= 0
	case syntax.LT:
		return cmp < 0
	case syntax.GE:
		return cmp >= 0
	case syntax.GT:
		return cmp > 0
	}
	panic(op)
}

func hashTime(t time.Time) uint32 {
	n := t.UnixNano()
	return uint32(n) ^ uint32(n>>32)
}
