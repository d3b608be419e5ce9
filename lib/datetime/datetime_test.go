package datetime

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	libtime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
)

func fixedThread(t time.Time) *starlark.Thread {
	th := &starlark.Thread{Name: "test"}
	SetClock(th, func() (time.Time, error) { return t, nil })
	SetLocation(th, time.UTC)
	return th
}

func exec(t *testing.T, th *starlark.Thread, src string) starlark.StringDict {
	t.Helper()
	predeclared := starlark.StringDict{
		ModuleName: Module,
		"time":     libtime.Module,
	}
	globals, err := starlark.ExecFile(th, "test.star", src, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			t.Fatal(evalErr.Backtrace())
		}
		t.Fatal(err)
	}
	return globals
}

func TestProbeScenario(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	globals := exec(t, th, `
now = datetime.local_now()
text = now.to_string()
earlier = now.minus_hours(48)
doy = now.day_of_year()
then = now.minus_days(10)
then_instant = then.to_instant(datetime.UTC)
then_date = datetime.date_from(then_instant)
now_date = datetime.date()
forward = now_date.compare_to(then_date)
backward = then_date.compare_to(now_date)
`)

	got := map[string]string{}
	for _, name := range []string{"text", "earlier", "doy", "then", "then_instant", "forward", "backward"} {
		got[name] = globals[name].String()
	}
	want := map[string]string{
		"text":         `"2024-01-15T10:00"`,
		"earlier":      "2024-01-13T10:00",
		"doy":          "15",
		"then":         "2024-01-05T10:00",
		"then_instant": "2024-01-05T10:00:00Z",
		"forward":      "1",
		"backward":     "-1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("probe mismatch (-want +got):\n%s", diff)
	}
}

func TestPerThreadClockError(t *testing.T) {
	th := &starlark.Thread{}
	e := errors.New("no time")
	SetClock(th, func() (time.Time, error) { return time.Time{}, e })

	_, err := starlark.Call(th, Module.Members["local_now"], nil, nil)
	if !errors.Is(err, e) {
		t.Fatal("Expected equal error", e, err)
	}
}

func TestGlobalNowReturnsErrorWhenNil(t *testing.T) {
	th := &starlark.Thread{}

	oldNow := NowFunc
	defer func() {
		NowFunc = oldNow
	}()
	NowFunc = nil

	if _, err := starlark.Call(th, Module.Members["date"], nil, nil); err == nil {
		t.Fatal("Expected to get an error")
	}
}

func TestLocalNowUsesThreadLocation(t *testing.T) {
	th := &starlark.Thread{}
	SetClock(th, func() (time.Time, error) { return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), nil })
	SetLocation(th, time.FixedZone("plus2", 2*3600))

	v, err := starlark.Call(th, Module.Members["local_now"], nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.String(); got != "2024-01-15T12:00" {
		t.Fatalf("local_now() = %s, want 2024-01-15T12:00", got)
	}
}

func TestCanonicalText(t *testing.T) {
	for _, test := range []struct {
		ldt  LocalDateTime
		want string
	}{
		{LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)), "2024-01-15T10:00"},
		{LocalOf(time.Date(2024, 1, 15, 10, 0, 5, 0, time.UTC)), "2024-01-15T10:00:05"},
		{LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 120000000, time.UTC)), "2024-01-15T10:00:00.120"},
		{LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 1000, time.UTC)), "2024-01-15T10:00:00.000001"},
		{LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 7, time.UTC)), "2024-01-15T10:00:00.000000007"},
		{LocalOf(time.Date(12024, 1, 1, 0, 0, 0, 0, time.UTC)), "+12024-01-01T00:00"},
	} {
		if got := test.ldt.String(); got != test.want {
			t.Errorf("String() = %s, want %s", got, test.want)
		}
	}
}

func TestTextRoundTrip(t *testing.T) {
	for _, ts := range []time.Time{
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 23, 59, 59, 999999999, time.UTC),
		time.Date(1970, 1, 1, 0, 0, 1, 500000000, time.UTC),
		time.Date(9999, 12, 31, 12, 30, 0, 1000, time.UTC),
	} {
		ldt := LocalOf(ts)
		back, err := ParseLocal(ldt.String())
		if err != nil {
			t.Fatalf("ParseLocal(%s): %v", ldt, err)
		}
		if !back.Equal(ldt) {
			t.Errorf("round trip of %s gave %s", ldt, back)
		}
	}
}

func TestHoursRoundTrip(t *testing.T) {
	ldt := LocalOf(time.Date(2024, 3, 10, 1, 30, 0, 0, time.UTC))
	earlier, err := ldt.MinusHours(48)
	if err != nil {
		t.Fatal(err)
	}
	back, err := earlier.PlusHours(48)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ldt) {
		t.Fatalf("minus/plus 48h gave %s, want %s", back, ldt)
	}
}

func TestDayOfYear(t *testing.T) {
	start := LocalOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	prev := 0
	for d := int64(0); d < 366; d++ {
		ldt, err := start.PlusDays(d)
		if err != nil {
			t.Fatal(err)
		}
		doy := ldt.DayOfYear()
		if doy < 1 || doy > 366 {
			t.Fatalf("%s: day of year %d out of range", ldt, doy)
		}
		if doy < prev {
			t.Fatalf("%s: day of year decreased from %d to %d", ldt, prev, doy)
		}
		prev = doy
	}
	if prev != 366 {
		t.Fatalf("last day of leap year = %d, want 366", prev)
	}
}

func TestMinusDaysIsExactly240Hours(t *testing.T) {
	ldt := LocalOf(time.Date(2024, 3, 31, 2, 30, 0, 0, time.UTC))
	then, err := ldt.MinusDays(10)
	if err != nil {
		t.Fatal(err)
	}
	diff := ldt.ToInstant(UTC).Time().Sub(then.ToInstant(UTC).Time())
	if diff != 240*time.Hour {
		t.Fatalf("difference = %s, want 240h", diff)
	}
}

func TestDateCompareAntisymmetric(t *testing.T) {
	dates := []Date{-5, 0, 0, 1, 1705312800000}
	for _, x := range dates {
		if x.CompareTo(x) != 0 {
			t.Errorf("%d.CompareTo(itself) != 0", x)
		}
		for _, y := range dates {
			if x.CompareTo(y) != -y.CompareTo(x) {
				t.Errorf("compare(%d, %d) = %d but compare(%d, %d) = %d", x, y, x.CompareTo(y), y, x, y.CompareTo(x))
			}
		}
	}
}

func TestDateFromTruncatesTowardPast(t *testing.T) {
	i := InstantOf(time.Unix(-1, 999999999))
	d, err := DateFrom(i)
	if err != nil {
		t.Fatal(err)
	}
	if d != -1 {
		t.Fatalf("DateFrom(%s) = %d, want -1", i, d)
	}
}

func TestInvalidArguments(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	predeclared := starlark.StringDict{ModuleName: Module}
	for _, src := range []string{
		`datetime.local_date_time(2023, 2, 29)`,
		`datetime.local_date_time(2024, 13, 1)`,
		`datetime.offset(hours=19)`,
		`datetime.offset(hours=1, minutes=-30)`,
		`datetime.parse_local("15/01/2024")`,
		`datetime.local_now().to_instant("UTC")`,
		`datetime.date("now")`,
		`datetime.local_date_time(999999999, 12, 31).plus_days(1)`,
	} {
		if _, err := starlark.ExecFile(th, "bad.star", "x = "+src, predeclared); err == nil {
			t.Errorf("%s: expected error", src)
		}
	}
}

func TestOffsetText(t *testing.T) {
	for _, test := range []struct {
		h, m, s int
		want    string
	}{
		{0, 0, 0, "Z"},
		{5, 30, 0, "+05:30"},
		{-3, 0, 0, "-03:00"},
		{-1, -2, -3, "-01:02:03"},
	} {
		off, err := OffsetOf(test.h, test.m, test.s)
		if err != nil {
			t.Fatal(err)
		}
		if got := off.String(); got != test.want {
			t.Errorf("OffsetOf(%d, %d, %d) = %s, want %s", test.h, test.m, test.s, got, test.want)
		}
	}
}

func TestInstantProtoRoundTrip(t *testing.T) {
	i := InstantOf(time.Date(2024, 1, 5, 10, 0, 0, 123456789, time.UTC))
	back, err := InstantFromProto(i.Proto())
	if err != nil {
		t.Fatal(err)
	}
	if back.CompareTo(i) != 0 {
		t.Fatalf("proto round trip gave %s, want %s", back, i)
	}
}

func TestOperatorsAndComparison(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	globals := exec(t, th, `
a = datetime.parse_local("2024-01-15T10:00")
b = a - time.hour * 48
gap = a - b
ordered = b < a
i = a.to_instant(datetime.offset(hours=2))
ms = i.epoch_milli
back = i.at_offset(datetime.offset(hours=2)) == a
d = datetime.date(ms)
same = d == datetime.date_from(i)
`)
	if got := globals["b"].String(); got != "2024-01-13T10:00" {
		t.Errorf("b = %s", got)
	}
	if got := globals["gap"].String(); got != "48h0m0s" {
		t.Errorf("gap = %s", got)
	}
	for _, name := range []string{"ordered", "back", "same"} {
		if globals[name] != starlark.True {
			t.Errorf("%s = %s, want True", name, globals[name])
		}
	}
	if got := globals["i"].String(); got != "2024-01-15T08:00:00Z" {
		t.Errorf("i = %s", got)
	}
}

func TestInstantFunctions(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	globals := exec(t, th, `
now = datetime.instant_now()
epoch = datetime.instant_of_epoch_milli(1705312800123)
parsed = datetime.parse_instant("2024-01-15T12:00:00+02:00")
later = parsed.plus(90)
earlier = parsed.minus(time.hour * 2)
cmp_now = parsed.compare_to(now)
cmp_later = parsed.compare_to(later)
cmp_earlier = parsed.compare_to(earlier)
`)
	got := map[string]string{}
	for _, name := range []string{"now", "epoch", "parsed", "later", "earlier", "cmp_now", "cmp_later", "cmp_earlier"} {
		got[name] = globals[name].String()
	}
	want := map[string]string{
		"now":         "2024-01-15T10:00:00Z",
		"epoch":       "2024-01-15T10:00:00.123Z",
		"parsed":      "2024-01-15T10:00:00Z",
		"later":       "2024-01-15T10:01:30Z",
		"earlier":     "2024-01-15T08:00:00Z",
		"cmp_now":     "0",
		"cmp_later":   "-1",
		"cmp_earlier": "1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("instant mismatch (-want +got):\n%s", diff)
	}
}

func TestInstantShiftArguments(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	predeclared := starlark.StringDict{ModuleName: Module}
	for _, src := range []string{
		`datetime.instant_now().plus("1h")`,
		`datetime.instant_now().minus(1.5)`,
		`datetime.instant_now().plus(1 << 62)`,
		`datetime.parse_instant("2024-01-15 10:00")`,
	} {
		if _, err := starlark.ExecFile(th, "bad.star", "x = "+src, predeclared); err == nil {
			t.Errorf("%s: expected error", src)
		}
	}
}

func TestLocalMethods(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	globals := exec(t, th, `
now = datetime.local_now()
dow = now.day_of_week()
sunday = now.minus_days(1).day_of_week()
formatted = now.format("02 Jan 2006 15:04")
plus_min = now.plus_minutes(90)
minus_min = now.minus_minutes(90)
plus_sec = now.plus_seconds(61)
minus_sec = now.minus_seconds(61)
`)
	got := map[string]string{}
	for _, name := range []string{"dow", "sunday", "formatted", "plus_min", "minus_min", "plus_sec", "minus_sec"} {
		got[name] = globals[name].String()
	}
	want := map[string]string{
		"dow":       "1",
		"sunday":    "7",
		"formatted": `"15 Jan 2024 10:00"`,
		"plus_min":  "2024-01-15T11:30",
		"minus_min": "2024-01-15T08:30",
		"plus_sec":  "2024-01-15T10:01:01",
		"minus_sec": "2024-01-15T09:58:59",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("local method mismatch (-want +got):\n%s", diff)
	}
}

func TestMinuteAndSecondShiftsGo(t *testing.T) {
	ldt := LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	for _, test := range []struct {
		shift func(int64) (LocalDateTime, error)
		n     int64
		want  string
	}{
		{ldt.PlusMinutes, 24 * 60, "2024-01-16T10:00"},
		{ldt.MinusMinutes, 1, "2024-01-15T09:59"},
		{ldt.PlusSeconds, 86400 + 5, "2024-01-16T10:00:05"},
		{ldt.MinusSeconds, 3600, "2024-01-15T09:00"},
	} {
		got, err := test.shift(test.n)
		if err != nil {
			t.Fatal(err)
		}
		if got.String() != test.want {
			t.Errorf("shift by %d = %s, want %s", test.n, got, test.want)
		}
	}
}

func TestShiftOverflow(t *testing.T) {
	ldt := LocalOf(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	for name, shift := range map[string]func(int64) (LocalDateTime, error){
		"MinusDays":    ldt.MinusDays,
		"PlusDays":     ldt.PlusDays,
		"MinusHours":   ldt.MinusHours,
		"PlusMinutes":  ldt.PlusMinutes,
		"MinusSeconds": ldt.MinusSeconds,
	} {
		for _, n := range []int64{768614336404564650, math.MaxInt64, math.MinInt64} {
			if got, err := shift(n); err == nil {
				t.Errorf("%s(%d) = %s, want error", name, n, got)
			}
		}
	}

	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	predeclared := starlark.StringDict{ModuleName: Module}
	if _, err := starlark.ExecFile(th, "big.star", "x = datetime.local_now().minus_days(768614336404564650)", predeclared); err == nil {
		t.Error("minus_days overflow: expected error")
	}
}

func TestDateMethods(t *testing.T) {
	th := fixedThread(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	globals := exec(t, th, `
now = datetime.date()
then = datetime.date(1704448800000)
ms = then.get_time()
instant = then.to_instant()
before = then.before(now)
after = then.after(now)
not_before = now.before(now)
text = str(then)
`)
	got := map[string]string{}
	for _, name := range []string{"ms", "instant", "before", "after", "not_before", "text"} {
		got[name] = globals[name].String()
	}
	want := map[string]string{
		"ms":         "1704448800000",
		"instant":    "2024-01-05T10:00:00Z",
		"before":     "True",
		"after":      "False",
		"not_before": "False",
		"text":       `"Fri Jan 05 10:00:00 UTC 2024"`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("date method mismatch (-want +got):\n%s", diff)
	}
}
