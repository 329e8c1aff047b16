package pattern

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type selects the recurrence rule of a pattern.
type Type string

const (
	TypeDaily   Type = "daily"
	TypeWeekly  Type = "weekly"
	TypeMonthly Type = "monthly"
	TypeYearly  Type = "yearly"
	TypeCustom  Type = "custom"
)

// HolidayRule decides what happens to an occurrence that lands on a holiday.
type HolidayRule string

const (
	HolidayPostpone HolidayRule = "postpone"
	HolidayAdvance  HolidayRule = "advance"
	HolidaySkip     HolidayRule = "skip"
)

// LastDay selects the last day of a month, or the last matching weekday when used as WeekOfMonth.
const LastDay = -1

const dateLayout = "2006-01-02"

// RecurringPattern describes when a campaign fires.
type RecurringPattern struct {
	ID        string
	OwnerID   string
	Type      Type
	Frequency int
	// TimeOfDay is "HH:MM" in Location.
	TimeOfDay string
	Location  string

	Weekdays    []time.Weekday
	MonthDays   []int
	WeekOfMonth int
	DayOfWeek   time.Weekday
	MonthDay    int
	Month       time.Month
	// CustomDays are zero-based day offsets inside a period of Frequency weeks anchored at StartDate.
	CustomDays []int

	StartDate          time.Time
	EndDate            *time.Time
	MaxOccurrences     int
	CurrentOccurrences int

	ExceptionDates []string
	WorkdaysOnly   bool
	SkipHolidays   bool
	HolidayRule    HolidayRule
	HolidayLocale  string

	Active         bool
	LastTriggered  *time.Time
	NextOccurrence *time.Time
}

// Exhausted reports whether the occurrence budget is spent or the pattern was deactivated.
func (p RecurringPattern) Exhausted() bool {
	if !p.Active {
		return true
	}
	return p.MaxOccurrences > 0 && p.CurrentOccurrences >= p.MaxOccurrences
}

// Validate checks the pattern for malformed fields.
func Validate(p RecurringPattern) error {
	if p.Frequency < 1 {
		return configError("frequency", "must be at least 1, got %d", p.Frequency)
	}
	if _, _, err := parseTimeOfDay(p.TimeOfDay); err != nil {
		return configError("time_of_day", "%v", err)
	}
	if _, err := loadLocation(p.Location); err != nil {
		return configError("location", "%v", err)
	}
	if p.StartDate.IsZero() {
		return configError("start_date", "is required")
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return configError("end_date", "is before start_date")
	}
	if p.MaxOccurrences < 0 {
		return configError("max_occurrences", "must not be negative")
	}
	if p.CurrentOccurrences < 0 {
		return configError("current_occurrences", "must not be negative")
	}
	if p.MaxOccurrences > 0 && p.CurrentOccurrences > p.MaxOccurrences {
		return configError("current_occurrences", "%d exceeds max_occurrences %d", p.CurrentOccurrences, p.MaxOccurrences)
	}
	for _, d := range p.ExceptionDates {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return configError("exception_dates", "invalid date %q", d)
		}
	}
	if p.SkipHolidays {
		switch p.HolidayRule {
		case HolidayPostpone, HolidayAdvance, HolidaySkip:
		case "":
		default:
			return configError("holiday_rule", "unknown rule %q", p.HolidayRule)
		}
	}

	switch p.Type {
	case TypeDaily:
	case TypeWeekly:
		for _, wd := range p.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return configError("weekdays", "invalid weekday %d", wd)
			}
		}
	case TypeMonthly:
		for _, md := range p.MonthDays {
			if !validMonthDay(md) {
				return configError("month_days", "invalid day %d", md)
			}
		}
		if p.WeekOfMonth != 0 {
			if p.WeekOfMonth != LastDay && (p.WeekOfMonth < 1 || p.WeekOfMonth > 4) {
				return configError("week_of_month", "must be 1..4 or -1, got %d", p.WeekOfMonth)
			}
			if p.DayOfWeek < time.Sunday || p.DayOfWeek > time.Saturday {
				return configError("day_of_week", "invalid weekday %d", p.DayOfWeek)
			}
			if len(p.MonthDays) > 0 {
				return configError("week_of_month", "cannot be combined with month_days")
			}
		}
		if p.MonthDay != 0 && !validMonthDay(p.MonthDay) {
			return configError("month_day", "invalid day %d", p.MonthDay)
		}
	case TypeYearly:
		if p.Month != 0 && (p.Month < time.January || p.Month > time.December) {
			return configError("month", "invalid month %d", p.Month)
		}
		if p.MonthDay != 0 && !validMonthDay(p.MonthDay) {
			return configError("month_day", "invalid day %d", p.MonthDay)
		}
	case TypeCustom:
		if len(p.CustomDays) == 0 {
			return configError("custom_days", "at least one day is required")
		}
		span := 7 * p.Frequency
		for _, off := range p.CustomDays {
			if off < 0 || off >= span {
				return configError("custom_days", "offset %d outside period of %d days", off, span)
			}
		}
	default:
		return configError("type", "unknown pattern type %q", p.Type)
	}
	return nil
}

func validMonthDay(d int) bool {
	return d == LastDay || (d >= 1 && d <= 31)
}

func parseTimeOfDay(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func sortedWeekdays(days []time.Weekday, fallback time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return []time.Weekday{fallback}
	}
	seen := make(map[time.Weekday]struct{}, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	// Monday-first ordering.
	sort.Slice(out, func(i, j int) bool {
		return isoIndex(out[i]) < isoIndex(out[j])
	})
	return out
}

func isoIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func sortedInts(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	sort.Ints(out)
	return out
}
