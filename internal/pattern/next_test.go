package pattern

import (
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01 is a Monday.
var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func basePattern(t Type) RecurringPattern {
	return RecurringPattern{
		ID:        "p-1",
		Type:      t,
		Frequency: 1,
		TimeOfDay: "09:00",
		StartDate: jan1,
		Active:    true,
	}
}

type holidaySet map[string]bool

func (h holidaySet) IsHoliday(d time.Time, _ string) bool {
	return h[d.Format(dateLayout)]
}

func TestNextOccurrence_WeeklySameWeek(t *testing.T) {
	p := basePattern(TypeWeekly)
	p.Weekdays = []time.Weekday{time.Monday, time.Wednesday}

	got, err := NextOccurrence(p, at(2024, 1, 8, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 10, 9, 0), got)
}

func TestNextOccurrence_WeeklyWrapsByFrequency(t *testing.T) {
	p := basePattern(TypeWeekly)
	p.Weekdays = []time.Weekday{time.Wednesday, time.Monday}

	got, err := NextOccurrence(p, at(2024, 1, 10, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 15, 9, 0), got)

	p.Frequency = 2
	got, err = NextOccurrence(p, at(2024, 1, 3, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 15, 9, 0), got)
}

func TestNextOccurrence_Daily(t *testing.T) {
	p := basePattern(TypeDaily)

	got, err := NextOccurrence(p, at(2024, 1, 1, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 2, 9, 0), got)

	p.Frequency = 3
	got, err = NextOccurrence(p, at(2024, 1, 1, 9, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 4, 9, 0), got)
}

func TestNextOccurrence_FirstFireIsStartDate(t *testing.T) {
	p := basePattern(TypeDaily)

	got, err := NextOccurrence(p, jan1.Add(-48*time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 1, 9, 0), got)
}

func TestNextOccurrence_MonthlyLastDayClamps(t *testing.T) {
	p := basePattern(TypeMonthly)
	p.StartDate = at(2024, 1, 31, 0, 0)
	p.MonthDays = []int{LastDay}

	got, err := NextOccurrence(p, at(2024, 1, 31, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 2, 29, 9, 0), got)

	p.MonthDays = []int{31}
	got, err = NextOccurrence(p, at(2024, 3, 31, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 4, 30, 9, 0), got)
}

func TestNextOccurrence_MonthlyNthWeekday(t *testing.T) {
	p := basePattern(TypeMonthly)
	p.WeekOfMonth = 3
	p.DayOfWeek = time.Tuesday

	got, err := NextOccurrence(p, jan1, nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 16, 9, 0), got)

	p.WeekOfMonth = LastDay
	p.DayOfWeek = time.Friday
	got, err = NextOccurrence(p, jan1, nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 26, 9, 0), got)

	p.Frequency = 2
	got, err = NextOccurrence(p, at(2024, 1, 27, 0, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 29, 9, 0), got)
}

func TestNextOccurrence_YearlyLeapDay(t *testing.T) {
	p := basePattern(TypeYearly)
	p.StartDate = at(2024, 2, 29, 0, 0)

	got, err := NextOccurrence(p, at(2024, 2, 29, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2025, 2, 28, 9, 0), got)
}

func TestNextOccurrence_CustomDaysWrap(t *testing.T) {
	p := basePattern(TypeCustom)
	p.CustomDays = []int{5, 0, 2}

	got, err := NextOccurrence(p, at(2024, 1, 1, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 3, 9, 0), got)

	got, err = NextOccurrence(p, at(2024, 1, 6, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 8, 9, 0), got)
}

func TestNextOccurrence_ExceptionDatesAreSkipped(t *testing.T) {
	p := basePattern(TypeDaily)
	p.ExceptionDates = []string{"2024-01-02"}

	got, err := NextOccurrence(p, at(2024, 1, 1, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 3, 9, 0), got)
}

func TestNextOccurrence_WorkdaysOnlyPostpones(t *testing.T) {
	p := basePattern(TypeDaily)
	p.WorkdaysOnly = true

	got, err := NextOccurrence(p, at(2024, 1, 5, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 8, 9, 0), got)
}

func TestNextOccurrence_HolidayRules(t *testing.T) {
	holidays := holidaySet{"2024-01-09": true}
	cases := []struct {
		rule HolidayRule
		ref  time.Time
		want time.Time
	}{
		{HolidayPostpone, at(2024, 1, 3, 0, 0), at(2024, 1, 10, 9, 0)},
		{HolidayAdvance, at(2024, 1, 3, 0, 0), at(2024, 1, 8, 9, 0)},
		{HolidaySkip, at(2024, 1, 3, 0, 0), at(2024, 1, 16, 9, 0)},
		// advancing onto or before the reference falls back to postponing
		{HolidayAdvance, at(2024, 1, 8, 10, 0), at(2024, 1, 10, 9, 0)},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.rule, tc.ref.Format("0102")), func(t *testing.T) {
			p := basePattern(TypeWeekly)
			p.Weekdays = []time.Weekday{time.Tuesday}
			p.SkipHolidays = true
			p.HolidayRule = tc.rule

			got, err := NextOccurrence(p, tc.ref, holidays)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextOccurrence_HolidaysIgnoredWithoutFlag(t *testing.T) {
	p := basePattern(TypeWeekly)
	p.Weekdays = []time.Weekday{time.Tuesday}

	got, err := NextOccurrence(p, at(2024, 1, 3, 0, 0), holidaySet{"2024-01-09": true})
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 9, 9, 0), got)
}

func TestNextOccurrence_ExhaustionReasons(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		p := basePattern(TypeDaily)
		p.Active = false
		_, err := NextOccurrence(p, jan1, nil)
		assertExhausted(t, err, ReasonInactive)
	})
	t.Run("max occurrences", func(t *testing.T) {
		p := basePattern(TypeDaily)
		p.MaxOccurrences = 3
		p.CurrentOccurrences = 3
		_, err := NextOccurrence(p, jan1, nil)
		assertExhausted(t, err, ReasonMaxOccurrences)
	})
	t.Run("end date", func(t *testing.T) {
		p := basePattern(TypeDaily)
		end := at(2024, 1, 3, 0, 0)
		p.EndDate = &end
		_, err := NextOccurrence(p, at(2024, 1, 2, 10, 0), nil)
		assertExhausted(t, err, ReasonEndDate)
	})
	t.Run("search bound", func(t *testing.T) {
		p := basePattern(TypeDaily)
		for d := 0; d < 800; d++ {
			p.ExceptionDates = append(p.ExceptionDates, jan1.AddDate(0, 0, d).Format(dateLayout))
		}
		_, err := NextOccurrence(p, jan1, nil)
		assertExhausted(t, err, ReasonSearchBound)
	})
}

func assertExhausted(t *testing.T, err error, reason ExhaustedReason) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, reason, ee.Reason)
}

func TestAdvance_MaxOccurrencesFiresExactlyThreeTimes(t *testing.T) {
	p := basePattern(TypeDaily)
	p.MaxOccurrences = 3

	p, err := Reschedule(p, jan1.Add(-time.Hour), nil)
	require.NoError(t, err)
	require.NotNil(t, p.NextOccurrence)
	assert.Equal(t, at(2024, 1, 1, 9, 0), *p.NextOccurrence)

	fired := 0
	for i := 0; i < 10; i++ {
		if p.Exhausted() {
			break
		}
		fired++
		p, err = Advance(p, *p.NextOccurrence, nil)
		if err != nil {
			require.True(t, IsExhausted(err))
			break
		}
	}

	assert.Equal(t, 3, fired)
	assert.Equal(t, 3, p.CurrentOccurrences)
	assert.False(t, p.Active)
	assert.Nil(t, p.NextOccurrence)
	require.NotNil(t, p.LastTriggered)
	assert.Equal(t, at(2024, 1, 3, 9, 0), *p.LastTriggered)
}

func TestAdvance_LateFireDoesNotBackfill(t *testing.T) {
	p := basePattern(TypeDaily)
	next := at(2024, 1, 2, 9, 0)
	p.NextOccurrence = &next

	p, err := Advance(p, at(2024, 1, 5, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 6, 9, 0), *p.NextOccurrence)
}

func TestAdvance_ForcedEarlyRunConsumesPendingSlot(t *testing.T) {
	p := basePattern(TypeDaily)
	next := at(2024, 1, 2, 9, 0)
	p.NextOccurrence = &next

	p, err := Advance(p, at(2024, 1, 1, 12, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 3, 9, 0), *p.NextOccurrence)
}

func TestNextOccurrence_Location(t *testing.T) {
	p := basePattern(TypeDaily)
	p.Location = "America/New_York"

	got, err := NextOccurrence(p, at(2024, 3, 9, 20, 0), nil)
	require.NoError(t, err)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := got.In(loc)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, 10, local.Day())
}

func TestValidate_RejectsMalformedPatterns(t *testing.T) {
	cases := map[string]func(p *RecurringPattern){
		"zero frequency":     func(p *RecurringPattern) { p.Frequency = 0 },
		"bad time":           func(p *RecurringPattern) { p.TimeOfDay = "25:00" },
		"unknown type":       func(p *RecurringPattern) { p.Type = "hourly" },
		"bad location":       func(p *RecurringPattern) { p.Location = "Mars/Olympus" },
		"missing start":      func(p *RecurringPattern) { p.StartDate = time.Time{} },
		"bad exception":      func(p *RecurringPattern) { p.ExceptionDates = []string{"01/02/2024"} },
		"bad holiday rule":   func(p *RecurringPattern) { p.SkipHolidays = true; p.HolidayRule = "ignore" },
		"over max":           func(p *RecurringPattern) { p.MaxOccurrences = 2; p.CurrentOccurrences = 3 },
		"custom out of span": func(p *RecurringPattern) { p.Type = TypeCustom; p.CustomDays = []int{7} },
		"week of month 5": func(p *RecurringPattern) {
			p.Type = TypeMonthly
			p.WeekOfMonth = 5
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := basePattern(TypeDaily)
			mutate(&p)
			err := Validate(p)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))

			_, err = NextOccurrence(p, jan1, nil)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

func TestNextOccurrence_PropertiesHoldAcrossReferences(t *testing.T) {
	weekly := basePattern(TypeWeekly)
	weekly.Weekdays = []time.Weekday{time.Tuesday, time.Thursday, time.Saturday}
	weekly.Frequency = 2

	monthly := basePattern(TypeMonthly)
	monthly.MonthDays = []int{1, 15}

	daily := basePattern(TypeDaily)
	daily.Frequency = 4

	patterns := []RecurringPattern{weekly, monthly, daily}
	for _, p := range patterns {
		ref := jan1.Add(-36 * time.Hour)
		for i := 0; i < 120; i++ {
			ref = ref.Add(17 * time.Hour)
			got, err := NextOccurrence(p, ref, nil)
			require.NoError(t, err)
			again, err := NextOccurrence(p, ref, nil)
			require.NoError(t, err)

			assert.True(t, got.After(ref), "%s: %v not after %v", p.Type, got, ref)
			assert.False(t, got.Before(p.StartDate))
			assert.Equal(t, got, again)
			assert.Equal(t, 9, got.Hour())

			switch p.Type {
			case TypeWeekly:
				assert.Contains(t, p.Weekdays, got.Weekday())
				weeks := daysBetween(jan1, got) / 7
				assert.Zero(t, weeks%2)
			case TypeMonthly:
				assert.Contains(t, []int{1, 15}, got.Day())
			case TypeDaily:
				assert.Zero(t, daysBetween(jan1, got)%4)
			}
		}
	}
}

func TestStaticHolidays(t *testing.T) {
	h, err := NewStaticHolidays(map[string][]string{
		"id-ID":   {"2024-08-17"},
		AnyLocale: {"2024-01-01"},
	})
	require.NoError(t, err)

	assert.True(t, h.IsHoliday(at(2024, 8, 17, 9, 0), "id-ID"))
	assert.False(t, h.IsHoliday(at(2024, 8, 17, 9, 0), "en-US"))
	assert.True(t, h.IsHoliday(at(2024, 1, 1, 9, 0), "en-US"))

	_, err = NewStaticHolidays(map[string][]string{"x": {"17-08-2024"}})
	assert.Error(t, err)
}
