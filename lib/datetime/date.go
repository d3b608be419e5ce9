package datetime

import (
	"fmt"
	"math"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Date is a point in time with millisecond precision, held as
// milliseconds since 1970-01-01T00:00:00Z.
type Date int64

var (
	_ starlark.HasAttrs   = Date(0)
	_ starlark.Comparable = Date(0)
)

// DateOf truncates t to a millisecond date.
func DateOf(t time.Time) Date { return Date(t.UnixMilli()) }

// DateFrom truncates an instant to a millisecond date. It fails when the
// instant lies beyond the range of an int64 millisecond count.
func DateFrom(i Instant) (Date, error) {
	sec := time.Time(i).Unix()
	if sec > math.MaxInt64/1000-1 || sec < math.MinInt64/1000+1 {
		return 0, fmt.Errorf("instant %s out of range for a date", i)
	}
	return Date(i.EpochMilli()), nil
}

// CompareTo returns -1, 0 or +1 as d is before, equal to or after e.
func (d Date) CompareTo(e Date) int {
	switch {
	case d < e:
		return -1
	case d > e:
		return 1
	}
	return 0
}

// Instant returns the instant d denotes.
func (d Date) Instant() Instant { return InstantOf(time.UnixMilli(int64(d))) }

// String formats d in UTC in the classic Unix date layout.
func (d Date) String() string {
	return time.UnixMilli(int64(d)).UTC().Format("Mon Jan 02 15:04:05 MST 2006")
}

// Type returns "datetime.date".
func (d Date) Type() string          { return "datetime.date" }
func (d Date) Freeze()               {}
func (d Date) Hash() (uint32, error) { return uint32(d) ^ uint32(int64(d)>>32), nil }
func (d Date) Truth() starlark.Bool  { return starlark.True }

func (d Date) Attr(name string) (starlark.Value, error) { return builtinAttr(d, name, dateMethods) }
func (d Date) AttrNames() []string                      { return builtinAttrNames(dateMethods) }

func (d Date) CompareSameType(op syntax.Token, yV starlark.Value, depth int) (bool, error) {
	return threeway(op, d.CompareTo(yV.(Date))), nil
}

var dateMethods = map[string]builtinMethod{
	"compare_to": dateCompareTo,
	"get_time":   dateGetTime,
	"to_instant": dateToInstant,
	"before":     dateBefore,
	"after":      dateAfter,
}

func unpackOtherDate(fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (Date, error) {
	var other Date
	err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &other)
	return other, err
}

func dateCompareTo(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	other, err := unpackOtherDate(fnname, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(recV.(Date).CompareTo(other)), nil
}

func dateBefore(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	other, err := unpackOtherDate(fnname, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(recV.(Date) < other), nil
}

func dateAfter(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	other, err := unpackOtherDate(fnname, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(recV.(Date) > other), nil
}

func dateGetTime(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(recV.(Date))), nil
}

func dateToInstant(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 0); err != nil {
		return nil, err
	}
	return recV.(Date).Instant(), nil
}
