package pattern

import (
	"sort"
	"time"
)

// maxSearchIterations bounds the candidate search so exception-heavy patterns terminate.
const maxSearchIterations = 366

// maxShiftDays bounds how far a single holiday or weekend adjustment may move a date.
const maxShiftDays = 31

// NextOccurrence returns the first trigger time strictly after ref. It never mutates p.
// A nil holidays provider means no holidays.
func NextOccurrence(p RecurringPattern, ref time.Time, holidays HolidayProvider) (time.Time, error) {
	if err := Validate(p); err != nil {
		return time.Time{}, err
	}
	if !p.Active {
		return time.Time{}, &ExhaustedError{PatternID: p.ID, Reason: ReasonInactive}
	}
	if p.MaxOccurrences > 0 && p.CurrentOccurrences >= p.MaxOccurrences {
		return time.Time{}, &ExhaustedError{PatternID: p.ID, Reason: ReasonMaxOccurrences}
	}
	if holidays == nil {
		holidays = NoHolidays{}
	}

	cal, err := newCalendar(p)
	if err != nil {
		return time.Time{}, err
	}

	from := ref
	if from.Before(p.StartDate) {
		from = p.StartDate
	}
	k := cal.period(from.In(cal.loc))
	if k < 0 {
		k = 0
	}

	budget := maxSearchIterations
	for budget > 0 {
		for _, slot := range cal.slots(k) {
			if !slot.After(ref) || slot.Before(p.StartDate) {
				continue
			}
			if p.EndDate != nil && slot.After(*p.EndDate) {
				return time.Time{}, &ExhaustedError{PatternID: p.ID, Reason: ReasonEndDate}
			}
			budget--
			at, ok, steps := cal.adjust(slot, ref, holidays)
			budget -= steps
			if ok {
				if p.EndDate != nil && at.After(*p.EndDate) {
					return time.Time{}, &ExhaustedError{PatternID: p.ID, Reason: ReasonEndDate}
				}
				return at, nil
			}
			if budget <= 0 {
				break
			}
		}
		k++
		budget--
	}
	return time.Time{}, &ExhaustedError{PatternID: p.ID, Reason: ReasonSearchBound}
}

// Advance records a trigger at firedAt and computes the following occurrence.
// On exhaustion the returned pattern is deactivated and the error satisfies IsExhausted.
func Advance(p RecurringPattern, firedAt time.Time, holidays HolidayProvider) (RecurringPattern, error) {
	next := p
	next.CurrentOccurrences++
	fired := firedAt
	next.LastTriggered = &fired

	// A forced early run consumes the pending slot.
	ref := firedAt
	if p.NextOccurrence != nil && p.NextOccurrence.After(ref) {
		ref = *p.NextOccurrence
	}

	at, err := NextOccurrence(next, ref, holidays)
	if err != nil {
		if IsExhausted(err) {
			next.Active = false
			next.NextOccurrence = nil
			return next, err
		}
		return p, err
	}
	next.NextOccurrence = &at
	return next, nil
}

// Reschedule recomputes NextOccurrence from now without counting a trigger.
// It is used at creation and when a paused campaign resumes, so missed slots are not back-filled.
func Reschedule(p RecurringPattern, now time.Time, holidays HolidayProvider) (RecurringPattern, error) {
	ref := now
	if ref.Before(p.StartDate) {
		ref = p.StartDate.Add(-time.Nanosecond)
	}
	at, err := NextOccurrence(p, ref, holidays)
	if err != nil {
		return p, err
	}
	next := p
	next.NextOccurrence = &at
	return next, nil
}

type calendar struct {
	p          RecurringPattern
	loc        *time.Location
	hour       int
	minute     int
	anchor     time.Time
	weekStart  time.Time
	weekdays   []time.Weekday
	monthDays  []int
	customDays []int
	exceptions map[string]struct{}
}

func newCalendar(p RecurringPattern) (*calendar, error) {
	loc, err := loadLocation(p.Location)
	if err != nil {
		return nil, configError("location", "%v", err)
	}
	h, m, err := parseTimeOfDay(p.TimeOfDay)
	if err != nil {
		return nil, configError("time_of_day", "%v", err)
	}
	start := p.StartDate.In(loc)
	anchor := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	c := &calendar{
		p:          p,
		loc:        loc,
		hour:       h,
		minute:     m,
		anchor:     anchor,
		weekStart:  addDays(anchor, -isoIndex(anchor.Weekday())),
		weekdays:   sortedWeekdays(p.Weekdays, anchor.Weekday()),
		customDays: sortedInts(p.CustomDays),
		exceptions: make(map[string]struct{}, len(p.ExceptionDates)),
	}
	switch {
	case len(p.MonthDays) > 0:
		c.monthDays = sortedInts(p.MonthDays)
	case p.MonthDay != 0:
		c.monthDays = []int{p.MonthDay}
	default:
		c.monthDays = []int{anchor.Day()}
	}
	for _, d := range p.ExceptionDates {
		c.exceptions[d] = struct{}{}
	}
	return c, nil
}

// period returns the index of the Frequency-sized period containing t.
func (c *calendar) period(t time.Time) int {
	freq := c.p.Frequency
	switch c.p.Type {
	case TypeDaily:
		return floorDiv(daysBetween(c.anchor, t), freq)
	case TypeWeekly:
		return floorDiv(floorDiv(daysBetween(c.weekStart, t), 7), freq)
	case TypeMonthly:
		months := (t.Year()-c.anchor.Year())*12 + int(t.Month()) - int(c.anchor.Month())
		return floorDiv(months, freq)
	case TypeYearly:
		return floorDiv(t.Year()-c.anchor.Year(), freq)
	case TypeCustom:
		return floorDiv(daysBetween(c.anchor, t), 7*freq)
	}
	return 0
}

// slots lists the unadjusted trigger times of period k in ascending order.
func (c *calendar) slots(k int) []time.Time {
	freq := c.p.Frequency
	switch c.p.Type {
	case TypeDaily:
		return []time.Time{c.at(addDays(c.anchor, k*freq))}
	case TypeWeekly:
		base := addDays(c.weekStart, k*freq*7)
		out := make([]time.Time, 0, len(c.weekdays))
		for _, wd := range c.weekdays {
			out = append(out, c.at(addDays(base, isoIndex(wd))))
		}
		return out
	case TypeMonthly:
		first := time.Date(c.anchor.Year(), c.anchor.Month()+time.Month(k*freq), 1, 0, 0, 0, 0, c.loc)
		if c.p.WeekOfMonth != 0 {
			return []time.Time{c.at(nthWeekday(first, c.p.WeekOfMonth, c.p.DayOfWeek))}
		}
		out := make([]time.Time, 0, len(c.monthDays))
		seen := make(map[int]struct{}, len(c.monthDays))
		for _, md := range c.monthDays {
			day := resolveMonthDay(first.Year(), first.Month(), md, c.loc)
			if _, dup := seen[day]; dup {
				continue
			}
			seen[day] = struct{}{}
			out = append(out, c.at(time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, c.loc)))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
		return out
	case TypeYearly:
		year := c.anchor.Year() + k*freq
		month := c.p.Month
		if month == 0 {
			month = c.anchor.Month()
		}
		md := c.p.MonthDay
		if md == 0 {
			md = c.anchor.Day()
		}
		day := resolveMonthDay(year, month, md, c.loc)
		return []time.Time{c.at(time.Date(year, month, day, 0, 0, 0, 0, c.loc))}
	case TypeCustom:
		base := addDays(c.anchor, k*7*freq)
		out := make([]time.Time, 0, len(c.customDays))
		for _, off := range c.customDays {
			out = append(out, c.at(addDays(base, off)))
		}
		return out
	}
	return nil
}

// adjust applies exception, weekend and holiday rules to a raw slot.
func (c *calendar) adjust(slot, ref time.Time, holidays HolidayProvider) (time.Time, bool, int) {
	if c.isException(slot) {
		return time.Time{}, false, 0
	}
	isHoliday := func(t time.Time) bool {
		return c.p.SkipHolidays && holidays.IsHoliday(t, c.p.HolidayLocale)
	}
	blocked := func(t time.Time) bool {
		return (c.p.WorkdaysOnly && isWeekend(t)) || isHoliday(t)
	}
	if !blocked(slot) {
		return slot, true, 0
	}

	rule := c.p.HolidayRule
	if rule == "" {
		rule = HolidayPostpone
	}
	if isHoliday(slot) && rule == HolidaySkip {
		return time.Time{}, false, 0
	}

	dir := 1
	if isHoliday(slot) && rule == HolidayAdvance {
		dir = -1
	}
	at, steps, ok := shift(slot, dir, blocked)
	if ok && dir < 0 && (!at.After(ref) || at.Before(c.p.StartDate)) {
		var more int
		at, more, ok = shift(slot, 1, blocked)
		steps += more
	}
	if !ok || c.isException(at) {
		return time.Time{}, false, steps
	}
	return at, true, steps
}

func shift(t time.Time, dir int, blocked func(time.Time) bool) (time.Time, int, bool) {
	steps := 0
	for blocked(t) {
		if steps >= maxShiftDays {
			return time.Time{}, steps, false
		}
		t = addDays(t, dir)
		steps++
	}
	return t, steps, true
}

func (c *calendar) isException(t time.Time) bool {
	if len(c.exceptions) == 0 {
		return false
	}
	_, ok := c.exceptions[t.In(c.loc).Format(dateLayout)]
	return ok
}

func (c *calendar) at(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, 0, 0, c.loc)
}

func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysBetween counts calendar days from a to b, ignoring DST shifts.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = b.In(a.Location())
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// resolveMonthDay maps LastDay and overlong days onto the last valid day of the month.
func resolveMonthDay(year int, month time.Month, md int, loc *time.Location) int {
	last := daysIn(year, month, loc)
	if md == LastDay || md > last {
		return last
	}
	return md
}

// nthWeekday resolves "3rd Tuesday" style rules; n == LastDay picks the final one.
func nthWeekday(first time.Time, n int, wd time.Weekday) time.Time {
	if n == LastDay {
		last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location())
		back := (int(last.Weekday()) - int(wd) + 7) % 7
		return addDays(last, -back)
	}
	fwd := (int(wd) - int(first.Weekday()) + 7) % 7
	return addDays(first, fwd+(n-1)*7)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
