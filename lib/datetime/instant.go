package datetime

import (
	"fmt"
	"math"
	"strings"
	"time"

	libtime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Instant is an absolute point on the time line, independent of any
// calendar or zone. It is always held in UTC.
type Instant time.Time

var (
	_ starlark.HasAttrs   = Instant{}
	_ starlark.Comparable = Instant{}
	_ starlark.HasBinary  = Instant{}
)

// InstantOf returns the instant t denotes.
func InstantOf(t time.Time) Instant { return Instant(t.UTC()) }

// InstantFromProto converts a protobuf timestamp.
func InstantFromProto(ts *timestamppb.Timestamp) (Instant, error) {
	if err := ts.CheckValid(); err != nil {
		return Instant{}, err
	}
	return InstantOf(ts.AsTime()), nil
}

// Proto converts i to a protobuf timestamp.
func (i Instant) Proto() *timestamppb.Timestamp { return timestamppb.New(time.Time(i)) }

// Time returns i as a UTC time.Time.
func (i Instant) Time() time.Time { return time.Time(i) }

// EpochMilli returns the milliseconds since 1970-01-01T00:00:00Z,
// rounding toward negative infinity.
func (i Instant) EpochMilli() int64 { return time.Time(i).UnixMilli() }

// AtOffset returns the wall-clock reading of i at the given offset.
func (i Instant) AtOffset(off ZoneOffset) LocalDateTime {
	return LocalDateTime(time.Time(i).Add(time.Duration(off) * time.Second))
}

// CompareTo returns -1, 0 or +1 as i is before, equal to or after j.
func (i Instant) CompareTo(j Instant) int { return compareTimes(time.Time(i), time.Time(j)) }

// String returns the ISO-8601 text in UTC, e.g. 2024-01-05T10:00:00Z.
func (i Instant) String() string {
	t := time.Time(i)
	var b strings.Builder
	writeYear(&b, t.Year())
	fmt.Fprintf(&b, "-%02d-%02dT%02d:%02d:%02d", int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	writeFraction(&b, t.Nanosecond())
	b.WriteByte('Z')
	return b.String()
}

// Type returns "datetime.instant".
func (i Instant) Type() string { return "datetime.instant" }

func (i Instant) Freeze() {}

func (i Instant) Hash() (uint32, error) { return hashTime(time.Time(i)), nil }

func (i Instant) Truth() starlark.Bool { return starlark.True }

func (i Instant) Attr(name string) (starlark.Value, error) {
	t := time.Time(i)
	switch name {
	case "epoch_second":
		return starlark.MakeInt64(t.Unix()), nil
	case "epoch_milli":
		return starlark.MakeInt64(i.EpochMilli()), nil
	case "nano":
		return starlark.MakeInt(t.Nanosecond()), nil
	}
	return builtinAttr(i, name, instantMethods)
}

func (i Instant) AttrNames() []string {
	return append(builtinAttrNames(instantMethods), "epoch_milli", "epoch_second", "nano")
}

func (i Instant) CompareSameType(op syntax.Token, yV starlark.Value, depth int) (bool, error) {
	return threeway(op, i.CompareTo(yV.(Instant))), nil
}

// Binary implements
//
//	instant + duration = instant
//	instant - duration = instant
//	instant - instant = duration
func (i Instant) Binary(op syntax.Token, yV starlark.Value, side starlark.Side) (starlark.Value, error) {
	x := time.Time(i)
	switch op {
	case syntax.PLUS:
		if y, ok := yV.(libtime.Duration); ok {
			return Instant(x.Add(time.Duration(y))), nil
		}
	case syntax.MINUS:
		switch y := yV.(type) {
		case libtime.Duration:
			if side == starlark.Left {
				return Instant(x.Add(-time.Duration(y))), nil
			}
		case Instant:
			if side == starlark.Left {
				return libtime.Duration(x.Sub(time.Time(y))), nil
			}
			return libtime.Duration(time.Time(y).Sub(x)), nil
		}
	}
	return nil, nil
}

var instantMethods = map[string]builtinMethod{
	"plus":       instantShift(1),
	"minus":      instantShift(-1),
	"at_offset":  instantAtOffset,
	"compare_to": instantCompareTo,
}

// instantShift returns a method moving an instant by a time.duration or
// by a whole number of seconds.
func instantShift(sign time.Duration) builtinMethod {
	return func(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var amount starlark.Value
		if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &amount); err != nil {
			return nil, err
		}
		var d time.Duration
		switch a := amount.(type) {
		case libtime.Duration:
			d = time.Duration(a)
		case starlark.Int:
			secs, ok := a.Int64()
			if !ok || secs > maxShiftSeconds || secs < -maxShiftSeconds {
				return nil, fmt.Errorf("%s: %v seconds out of range", fnname, a)
			}
			d = time.Duration(secs) * time.Second
		default:
			return nil, fmt.Errorf("%s: got %s, want int seconds or time.duration", fnname, amount.Type())
		}
		return Instant(time.Time(recV.(Instant)).Add(sign * d)), nil
	}
}

// maxShiftSeconds is the largest shift a time.Duration can hold.
const maxShiftSeconds = int64(math.MaxInt64 / time.Second)

func instantAtOffset(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var off ZoneOffset
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &off); err != nil {
		return nil, err
	}
	return recV.(Instant).AtOffset(off), nil
}

func instantCompareTo(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var other Instant
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &other); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recV.(Instant).CompareTo(other)), nil
}

// ZoneOffset is a fixed offset from UTC, in seconds.
type ZoneOffset int32

// UTC is the zero offset.
const UTC ZoneOffset = 0

// MaxOffset bounds a ZoneOffset in either direction.
const MaxOffset = 18 * 60 * 60

// OffsetOf returns the offset of the given hours, minutes and seconds.
// All non-zero components must share a sign.
func OffsetOf(hours, minutes, seconds int) (ZoneOffset, error) {
	if (hours > 0 && (minutes < 0 || seconds < 0)) ||
		(hours < 0 && (minutes > 0 || seconds > 0)) ||
		(minutes > 0 && seconds < 0) || (minutes < 0 && seconds > 0) {
		return 0, fmt.Errorf("offset components must have the same sign")
	}
	if minutes < -59 || minutes > 59 || seconds < -59 || seconds > 59 {
		return 0, fmt.Errorf("offset minutes and seconds must be within 59")
	}
	total := hours*3600 + minutes*60 + seconds
	if total < -MaxOffset || total > MaxOffset {
		return 0, fmt.Errorf("offset %ds out of range (max 18 hours)", total)
	}
	return ZoneOffset(total), nil
}

// String returns Z for UTC, otherwise +HH:MM or +HH:MM:SS.
func (z ZoneOffset) String() string {
	if z == 0 {
		return "Z"
	}
	total := int(z)
	sign := '+'
	if total < 0 {
		sign = '-'
		total = -total
	}
	h, m, s := total/3600, total/60%60, total%60
	if s != 0 {
		return fmt.Sprintf("%c%02d:%02d:%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d:%02d", sign, h, m)
}

func (z ZoneOffset) Type() string          { return "datetime.zone_offset" }
func (z ZoneOffset) Freeze()               {}
func (z ZoneOffset) Hash() (uint32, error) { return uint32(z), nil }
func (z ZoneOffset) Truth() starlark.Bool  { return starlark.True }

func (z ZoneOffset) Attr(name string) (starlark.Value, error) {
	if name == "total_seconds" {
		return starlark.MakeInt(int(z)), nil
	}
	return nil, nil
}

func (z ZoneOffset) AttrNames() []string { return []string{"total_seconds"} }

func (z ZoneOffset) CompareSameType(op syntax.Token, yV starlark.Value, depth int) (bool, error) {
	y := yV.(ZoneOffset)
	cmp := 0
	if z < y {
		cmp = -1
	} else if z > y {
		cmp = 1
	}
	return threeway(op, cmp), nil
}
