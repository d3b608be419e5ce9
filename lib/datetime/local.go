package datetime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	libtime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Years outside this range are rejected by every constructor and
// arithmetic operation.
const (
	MinYear = -999999999
	MaxYear = 999999999
)

// LocalDateTime is a date and time of day with no zone or offset.
// The wall-clock fields are held in a time.Time in UTC, which has no
// daylight-saving transitions, so hour and day arithmetic is exact.
type LocalDateTime time.Time

var (
	_ starlark.HasAttrs   = LocalDateTime{}
	_ starlark.Comparable = LocalDateTime{}
	_ starlark.HasBinary  = LocalDateTime{}
)

// LocalOf returns the wall-clock fields of t, discarding its location.
func LocalOf(t time.Time) LocalDateTime {
	return LocalDateTime(time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC))
}

// NewLocalDateTime validates each field and returns the date-time.
func NewLocalDateTime(year int, month time.Month, day, hour, minute, second, nanosecond int) (LocalDateTime, error) {
	switch {
	case year < MinYear || year > MaxYear:
		return LocalDateTime{}, fmt.Errorf("invalid year %d", year)
	case month < time.January || month > time.December:
		return LocalDateTime{}, fmt.Errorf("invalid month %d", month)
	case day < 1 || day > daysIn(year, month):
		return LocalDateTime{}, fmt.Errorf("invalid day %d for %d-%02d", day, year, month)
	case hour < 0 || hour > 23:
		return LocalDateTime{}, fmt.Errorf("invalid hour %d", hour)
	case minute < 0 || minute > 59:
		return LocalDateTime{}, fmt.Errorf("invalid minute %d", minute)
	case second < 0 || second > 59:
		return LocalDateTime{}, fmt.Errorf("invalid second %d", second)
	case nanosecond < 0 || nanosecond > 999999999:
		return LocalDateTime{}, fmt.Errorf("invalid nanosecond %d", nanosecond)
	}
	return LocalDateTime(time.Date(year, month, day, hour, minute, second, nanosecond, time.UTC)), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ParseLocal parses the canonical text form produced by String.
func ParseLocal(text string) (LocalDateTime, error) {
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		// Fractional seconds are accepted after the seconds field even
		// though the layout does not mention them.
		if t, err := time.Parse(layout, text); err == nil {
			return LocalDateTime(t), nil
		}
	}
	return LocalDateTime{}, fmt.Errorf("cannot parse %q as a local date-time", text)
}

func (l LocalDateTime) time() time.Time { return time.Time(l) }

func (l LocalDateTime) checked() (LocalDateTime, error) {
	if y := l.time().Year(); y < MinYear || y > MaxYear {
		return LocalDateTime{}, fmt.Errorf("year %d out of range", y)
	}
	return l, nil
}

// plus adds n*scale units of size unit. Whole days are added separately
// so that large counts do not overflow time.Duration.
func (l LocalDateTime) plus(count, scale int64, unit time.Duration) (LocalDateTime, error) {
	n, ok := mul(count, scale)
	if !ok {
		return LocalDateTime{}, fmt.Errorf("%d*%d overflows", count, scale)
	}
	perDay := int64(24 * time.Hour / unit)
	days, rem := n/perDay, n%perDay
	if days > MaxYear*366 || days < -MaxYear*366 {
		return LocalDateTime{}, fmt.Errorf("%d days out of range", days)
	}
	t := l.time().AddDate(0, 0, int(days)).Add(time.Duration(rem) * unit)
	return LocalDateTime(t).checked()
}

// mul returns n*f, reporting false on overflow.
func mul(n, f int64) (int64, bool) {
	if n == 0 || f == 0 {
		return 0, true
	}
	p := n * f
	if p/f != n || (n == -1 && f == math.MinInt64) || (f == -1 && n == math.MinInt64) {
		return 0, false
	}
	return p, true
}

// PlusHours returns l moved forward by n hours.
func (l LocalDateTime) PlusHours(n int64) (LocalDateTime, error) { return l.plus(n, 1, time.Hour) }

// MinusHours returns l moved back by n hours.
func (l LocalDateTime) MinusHours(n int64) (LocalDateTime, error) { return l.plus(n, -1, time.Hour) }

// PlusDays returns l moved forward by n days.
func (l LocalDateTime) PlusDays(n int64) (LocalDateTime, error) { return l.plus(n, 24, time.Hour) }

// MinusDays returns l moved back by n days.
func (l LocalDateTime) MinusDays(n int64) (LocalDateTime, error) { return l.plus(n, -24, time.Hour) }

// PlusMinutes and MinusMinutes move l by n minutes.
func (l LocalDateTime) PlusMinutes(n int64) (LocalDateTime, error) { return l.plus(n, 1, time.Minute) }
func (l LocalDateTime) MinusMinutes(n int64) (LocalDateTime, error) {
	return l.plus(n, -1, time.Minute)
}

// PlusSeconds and MinusSeconds move l by n seconds.
func (l LocalDateTime) PlusSeconds(n int64) (LocalDateTime, error) { return l.plus(n, 1, time.Second) }
func (l LocalDateTime) MinusSeconds(n int64) (LocalDateTime, error) {
	return l.plus(n, -1, time.Second)
}

// DayOfYear returns the 1-based ordinal day within the year.
func (l LocalDateTime) DayOfYear() int { return l.time().YearDay() }

// DayOfWeek returns the ISO day of week, Monday being 1 and Sunday 7.
func (l LocalDateTime) DayOfWeek() int {
	if wd := l.time().Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

// ToInstant interprets l as a wall-clock reading at the given offset.
func (l LocalDateTime) ToInstant(off ZoneOffset) Instant {
	return Instant(l.time().Add(-time.Duration(off) * time.Second))
}

// Equal reports whether l and m denote the same fields.
func (l LocalDateTime) Equal(m LocalDateTime) bool { return l.time().Equal(m.time()) }

// String returns the canonical text, for example 2024-01-15T10:00 or
// 2024-01-15T10:00:05.120. Seconds are omitted when they and the
// fraction are zero; the fraction is printed in groups of three digits.
func (l LocalDateTime) String() string {
	t := l.time()
	var b strings.Builder
	writeYear(&b, t.Year())
	fmt.Fprintf(&b, "-%02d-%02dT%02d:%02d", int(t.Month()), t.Day(), t.Hour(), t.Minute())
	if t.Second() != 0 || t.Nanosecond() != 0 {
		fmt.Fprintf(&b, ":%02d", t.Second())
		writeFraction(&b, t.Nanosecond())
	}
	return b.String()
}

func writeYear(b *strings.Builder, year int) {
	switch {
	case year > 9999:
		b.WriteByte('+')
		b.WriteString(strconv.Itoa(year))
	case year < 0:
		fmt.Fprintf(b, "-%04d", -year)
	default:
		fmt.Fprintf(b, "%04d", year)
	}
}

func writeFraction(b *strings.Builder, nanos int) {
	switch {
	case nanos == 0:
	case nanos%1000000 == 0:
		fmt.Fprintf(b, ".%03d", nanos/1000000)
	case nanos%1000 == 0:
		fmt.Fprintf(b, ".%06d", nanos/1000)
	default:
		fmt.Fprintf(b, ".%09d", nanos)
	}
}

// Type returns "datetime.local_date_time".
func (l LocalDateTime) Type() string { return "datetime.local_date_time" }

// Freeze is a no-op: LocalDateTime is immutable.
func (l LocalDateTime) Freeze() {}

func (l LocalDateTime) Hash() (uint32, error) { return hashTime(l.time()), nil }

func (l LocalDateTime) Truth() starlark.Bool { return starlark.True }

func (l LocalDateTime) Attr(name string) (starlark.Value, error) {
	t := l.time()
	switch name {
	case "year":
		return starlark.MakeInt(t.Year()), nil
	case "month":
		return starlark.MakeInt(int(t.Month())), nil
	case "day":
		return starlark.MakeInt(t.Day()), nil
	case "hour":
		return starlark.MakeInt(t.Hour()), nil
	case "minute":
		return starlark.MakeInt(t.Minute()), nil
	case "second":
		return starlark.MakeInt(t.Second()), nil
	case "nanosecond":
		return starlark.MakeInt(t.Nanosecond()), nil
	}
	return builtinAttr(l, name, localMethods)
}

func (l LocalDateTime) AttrNames() []string {
	return append(builtinAttrNames(localMethods),
		"year",
		"month",
		"day",
		"hour",
		"minute",
		"second",
		"nanosecond",
	)
}

func (l LocalDateTime) CompareSameType(op syntax.Token, yV starlark.Value, depth int) (bool, error) {
	return threeway(op, compareTimes(l.time(), yV.(LocalDateTime).time())), nil
}

// Binary implements
//
//	local_date_time + duration = local_date_time
//	local_date_time - duration = local_date_time
//	local_date_time - local_date_time = duration
func (l LocalDateTime) Binary(op syntax.Token, yV starlark.Value, side starlark.Side) (starlark.Value, error) {
	x := l.time()
	switch op {
	case syntax.PLUS:
		if y, ok := yV.(libtime.Duration); ok {
			return LocalDateTime(x.Add(time.Duration(y))).checked()
		}
	case syntax.MINUS:
		switch y := yV.(type) {
		case libtime.Duration:
			if side == starlark.Left {
				return LocalDateTime(x.Add(-time.Duration(y))).checked()
			}
		case LocalDateTime:
			if side == starlark.Left {
				return libtime.Duration(x.Sub(y.time())), nil
			}
			return libtime.Duration(y.time().Sub(x)), nil
		}
	}
	return nil, nil
}

var localMethods = map[string]builtinMethod{
	"minus_hours":   localShift(-1, time.Hour),
	"plus_hours":    localShift(1, time.Hour),
	"minus_days":    localShift(-24, time.Hour),
	"plus_days":     localShift(24, time.Hour),
	"minus_minutes": localShift(-1, time.Minute),
	"plus_minutes":  localShift(1, time.Minute),
	"minus_seconds": localShift(-1, time.Second),
	"plus_seconds":  localShift(1, time.Second),
	"day_of_year":   localDayOfYear,
	"day_of_week":   localDayOfWeek,
	"to_instant":    localToInstant,
	"to_string":     localToString,
	"format":        localFormat,
}

// localShift returns a method adding sign*n units, where sign also scales
// days into hours.
func localShift(sign int64, unit time.Duration) builtinMethod {
	return func(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &n); err != nil {
			return nil, err
		}
		res, err := recV.(LocalDateTime).plus(int64(n), sign, unit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnname, err)
		}
		return res, nil
	}
}

func localDayOfYear(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recV.(LocalDateTime).DayOfYear()), nil
}

func localDayOfWeek(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.MakeInt(recV.(LocalDateTime).DayOfWeek()), nil
}

func localToInstant(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var off ZoneOffset
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &off); err != nil {
		return nil, err
	}
	return recV.(LocalDateTime).ToInstant(off), nil
}

func localToString(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(recV.String()), nil
}

func localFormat(thread *starlark.Thread, fnname string, recV starlark.Value, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var layout string
	if err := starlark.UnpackArgs(fnname, args, kwargs, "layout", &layout); err != nil {
		return nil, err
	}
	return starlark.String(recV.(LocalDateTime).time().Format(layout)), nil
}
