/*
Copyright © 2019 the climproc authors.
This file is part of climproc.

climproc is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

climproc is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with climproc.  If not, see <http://www.gnu.org/licenses/>.
*/

package climproc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/unit"
)

// CalendarKind specifies how many days are in each month and year.
type CalendarKind int

// These are the supported calendars.
const (
	Gregorian CalendarKind = iota // proleptic Gregorian; the default
	NoLeap                        // 365 days in every year
	AllLeap                       // 366 days in every year
	Day360                        // twelve 30-day months
)

func (c CalendarKind) String() string {
	switch c {
	case NoLeap:
		return "noleap"
	case AllLeap:
		return "all_leap"
	case Day360:
		return "360_day"
	default:
		return "gregorian"
	}
}

// ParseCalendar returns the calendar kind for a CF calendar name.
func ParseCalendar(s string) (CalendarKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gregorian", "standard", "proleptic_gregorian", "julian":
		return Gregorian, nil
	case "noleap", "365_day", "365-day":
		return NoLeap, nil
	case "all_leap", "366_day", "366-day":
		return AllLeap, nil
	case "360_day", "360-day":
		return Day360, nil
	}
	return Gregorian, configErrorf("unknown calendar %q", s)
}

// calendarFromDescription guesses the calendar from a free-form
// description attribute. It is only used when no calendar attribute
// is present.
func calendarFromDescription(desc string) CalendarKind {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "365-day"), strings.Contains(d, "365 day"), strings.Contains(d, "noleap"), strings.Contains(d, "no leap"):
		return NoLeap
	case strings.Contains(d, "360-day"), strings.Contains(d, "360 day"):
		return Day360
	}
	return Gregorian
}

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInMonth returns the number of days in month (1-12) of year.
func (c CalendarKind) DaysInMonth(year, month int) int {
	switch c {
	case Day360:
		return 30
	case NoLeap:
		return monthDays[month-1]
	case AllLeap:
		if month == 2 {
			return 29
		}
		return monthDays[month-1]
	default:
		if month == 2 && isLeap(year) {
			return 29
		}
		return monthDays[month-1]
	}
}

// DaysInYear returns the number of days in year.
func (c CalendarKind) DaysInYear(year int) int {
	switch c {
	case Day360:
		return 360
	case NoLeap:
		return 365
	case AllLeap:
		return 366
	default:
		if isLeap(year) {
			return 366
		}
		return 365
	}
}

// Date is a calendar date with a fractional day.
type Date struct {
	Year, Month int
	Day         float64 // 1-based, may be fractional
}

// addDays returns d advanced by n (possibly fractional, possibly
// negative) days in calendar c.
func (c CalendarKind) addDays(d Date, n float64) Date {
	if c == Gregorian {
		whole, frac := math.Modf(n)
		t := time.Date(d.Year, time.Month(d.Month), 1, 0, 0, 0, 0, time.UTC)
		dayF := d.Day - 1 + frac
		t = t.AddDate(0, 0, int(whole)+int(math.Floor(dayF)))
		dayF -= math.Floor(dayF)
		return Date{Year: t.Year(), Month: int(t.Month()), Day: float64(t.Day()) + dayF}
	}
	day := d.Day + n
	year, month := d.Year, d.Month
	for day < 1 {
		month--
		if month < 1 {
			month = 12
			year--
		}
		day += float64(c.DaysInMonth(year, month))
	}
	for {
		dim := float64(c.DaysInMonth(year, month))
		if day < dim+1 {
			break
		}
		day -= dim
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return Date{Year: year, Month: month, Day: day}
}

// timeUnits is a parsed CF-style "<unit> since <reference>" string.
type timeUnits struct {
	unit string // "second", "minute", "hour", "day", "month", or "year"
	ref  Date

	// length is the duration of one unit. It is nil for months and
	// years, whose length depends on the calendar and the date.
	length *unit.Unit
}

// fixedLengths holds the durations of the time units that have the
// same length in every calendar.
var fixedLengths = map[string]*unit.Unit{
	"second": unit.New(1, unit.Second),
	"minute": unit.New(60, unit.Second),
	"hour":   unit.New(3600, unit.Second),
	"day":    unit.New(secondsPerDay, unit.Second),
}

var oneDay = fixedLengths["day"]

// parseTimeUnits parses strings such as "days since 1979-01-01" or
// "month since 1979-01".
func parseTimeUnits(s string) (timeUnits, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " since ", 2)
	if len(parts) != 2 {
		return timeUnits{}, configErrorf("invalid time units %q", s)
	}
	var tu timeUnits
	switch u := strings.ToLower(strings.TrimSpace(parts[0])); u {
	case "month", "months":
		tu.unit = "month"
	case "year", "years":
		tu.unit = "year"
	case "second", "seconds", "sec", "s":
		tu.unit = "second"
	case "minute", "minutes", "min":
		tu.unit = "minute"
	case "hour", "hours", "hr", "h":
		tu.unit = "hour"
	case "day", "days", "d":
		tu.unit = "day"
	default:
		return timeUnits{}, configErrorf("unsupported time unit %q in %q", u, s)
	}
	tu.length = fixedLengths[tu.unit]
	ref := strings.Fields(parts[1])
	if len(ref) == 0 {
		return timeUnits{}, configErrorf("missing reference date in %q", s)
	}
	f := strings.Split(strings.SplitN(ref[0], "T", 2)[0], "-")
	tu.ref = Date{Month: 1, Day: 1}
	var err error
	if tu.ref.Year, err = strconv.Atoi(f[0]); err != nil {
		return timeUnits{}, configErrorf("invalid reference date in %q: %v", s, err)
	}
	if len(f) > 1 {
		if tu.ref.Month, err = strconv.Atoi(f[1]); err != nil || tu.ref.Month < 1 || tu.ref.Month > 12 {
			return timeUnits{}, configErrorf("invalid reference month in %q", s)
		}
	}
	if len(f) > 2 {
		day, err := strconv.Atoi(f[2])
		if err != nil || day < 1 || day > 31 {
			return timeUnits{}, configErrorf("invalid reference day in %q", s)
		}
		tu.ref.Day = float64(day)
	}
	return tu, nil
}

// decode converts a time coordinate into a date.
func (tu timeUnits) decode(c CalendarKind, v float64) Date {
	switch tu.unit {
	case "month":
		m := int(math.Floor(v))
		total := tu.ref.Year*12 + tu.ref.Month - 1 + m
		d := Date{Year: floorDiv(total, 12), Month: total - floorDiv(total, 12)*12 + 1, Day: tu.ref.Day}
		d.Day += (v - float64(m)) * float64(c.DaysInMonth(d.Year, d.Month))
		return d
	case "year":
		y := int(math.Floor(v))
		d := Date{Year: tu.ref.Year + y, Month: tu.ref.Month, Day: tu.ref.Day}
		return c.addDays(d, (v-float64(y))*float64(c.DaysInYear(d.Year)))
	default:
		return c.addDays(tu.ref, inDays(tu.stepLength(c, tu.ref, v)))
	}
}

// stepLength returns the duration of a difference dv between time
// coordinates, using the date at the start of the interval for
// calendar-dependent units.
func (tu timeUnits) stepLength(c CalendarKind, start Date, dv float64) *unit.Unit {
	switch tu.unit {
	case "month":
		return unit.Mul(unit.New(dv*float64(c.DaysInMonth(start.Year, start.Month)), unit.Dimless), oneDay)
	case "year":
		return unit.Mul(unit.New(dv*float64(c.DaysInYear(start.Year)), unit.Dimless), oneDay)
	default:
		return unit.Mul(unit.New(dv, unit.Dimless), tu.length)
	}
}

// toDays converts a difference between time coordinates into days.
func (tu timeUnits) toDays(c CalendarKind, start Date, dv float64) float64 {
	return inDays(tu.stepLength(c, start, dv))
}

// inDays returns the number of days in duration d.
func inDays(d *unit.Unit) float64 {
	return unit.Div(d, oneDay).Value()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, int(d.Day))
}
