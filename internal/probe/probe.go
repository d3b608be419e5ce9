// Package probe runs the date/time probe: nine calls into the host
// date/time library whose results are computed and otherwise unused.
//
// Run performs the calls directly in Go; Script returns the same
// sequence as a Starlark program for running through the interpreter.
package probe

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/hosttrace/hosttrace/lib/datetime"
)

// Name is the file name under which the probe script is executed.
const Name = "probe.star"

//go:embed probe.star
var script string

// Script returns the Starlark source of the probe.
func Script() string { return script }

// A Clock reports the current time.
type Clock func() time.Time

// Result holds the value of each step, in order.
type Result struct {
	Now         datetime.LocalDateTime // 1
	Text        string                 // 2
	Earlier     datetime.LocalDateTime // 3: 48 hours before Now
	DayOfYear   int                    // 4
	Then        datetime.LocalDateTime // 5: 10 days before Now
	ThenInstant datetime.Instant       // 6
	ThenDate    datetime.Date          // 7
	NowDate     datetime.Date          // 8
	NowVsThen   int                    // 9
	ThenVsNow   int                    // 9, reversed
}

// Run performs the nine steps against clock, reading the wall clock in loc.
// The two "now" readings (steps 1 and 8) each consult the clock.
func Run(clock Clock, loc *time.Location) (Result, error) {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.Local
	}

	var r Result
	var err error
	r.Now = datetime.LocalOf(clock().In(loc))
	r.Text = r.Now.String()
	if r.Earlier, err = r.Now.MinusHours(48); err != nil {
		return r, fmt.Errorf("minus 48 hours: %w", err)
	}
	r.DayOfYear = r.Now.DayOfYear()
	if r.Then, err = r.Now.MinusDays(10); err != nil {
		return r, fmt.Errorf("minus 10 days: %w", err)
	}
	r.ThenInstant = r.Then.ToInstant(datetime.UTC)
	if r.ThenDate, err = datetime.DateFrom(r.ThenInstant); err != nil {
		return r, err
	}
	r.NowDate = datetime.DateOf(clock())
	r.NowVsThen = r.NowDate.CompareTo(r.ThenDate)
	r.ThenVsNow = r.ThenDate.CompareTo(r.NowDate)
	return r, nil
}

// Steps returns a printable line per step.
func (r Result) Steps() []string {
	return []string{
		fmt.Sprintf("1 now                 %s", r.Now),
		fmt.Sprintf("2 text                %s", r.Text),
		fmt.Sprintf("3 minus 48 hours      %s", r.Earlier),
		fmt.Sprintf("4 day of year         %d", r.DayOfYear),
		fmt.Sprintf("5 minus 10 days       %s", r.Then),
		fmt.Sprintf("6 instant at UTC      %s", r.ThenInstant),
		fmt.Sprintf("7 date from instant   %d", int64(r.ThenDate)),
		fmt.Sprintf("8 date now            %d", int64(r.NowDate)),
		fmt.Sprintf("9 compare             %d / %d", r.NowVsThen, r.ThenVsNow),
	}
}
