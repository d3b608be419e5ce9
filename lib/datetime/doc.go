/*Package datetime exposes host date/time values to Starlark programs.

  outline: datetime
    datetime provides zone-free local date-times, absolute instants,
    fixed zone offsets and millisecond dates.
    path: datetime
    functions:
      local_now() local_date_time
        the current wall-clock date-time in the thread's location
      local_date_time(year, month, day, hour=0, minute=0, second=0, nanosecond=0) local_date_time
        construct a local date-time, validating each field
      parse_local(text) local_date_time
        parse YYYY-MM-DDTHH:MM[:SS[.fraction]]
      offset(hours=0, minutes=0, seconds=0) zone_offset
        a fixed offset from UTC, at most 18 hours either way
      instant_now() instant
        the current instant
      instant_of_epoch_milli(ms) instant
      parse_instant(text) instant
        parse an RFC 3339 timestamp
      date(ms=None) date
        a millisecond date for ms, or for now when ms is None
      date_from(instant) date
        truncate an instant to a millisecond date
      UTC zone_offset
        the zero offset

    types:
      local_date_time
        fields:
          year, month, day, hour, minute, second, nanosecond int
        methods:
          minus_hours(n), plus_hours(n), minus_days(n), plus_days(n),
          minus_minutes(n), plus_minutes(n), minus_seconds(n), plus_seconds(n)
          day_of_year() int
          day_of_week() int  (Monday is 1)
          to_instant(offset) instant
          to_string() string
          format(layout) string
        operators:
          local_date_time + time.duration = local_date_time
          local_date_time - time.duration = local_date_time
          local_date_time - local_date_time = time.duration
          comparison
      instant
        fields:
          epoch_second, epoch_milli, nano int
        methods:
          plus(duration), minus(duration) instant
          at_offset(offset) local_date_time
          compare_to(instant) int
        operators:
          instant - instant = time.duration
          comparison
      zone_offset
        fields:
          total_seconds int
      date
        methods:
          compare_to(date) int
          get_time() int
          to_instant() instant
          before(date), after(date) bool
        operators:
          comparison
*/
package datetime
