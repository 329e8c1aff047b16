package pattern

import (
	"fmt"
	"time"
)

// HolidayProvider answers whether a calendar date is a holiday for a locale.
type HolidayProvider interface {
	IsHoliday(date time.Time, locale string) bool
}

// NoHolidays treats every date as a working day.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time, string) bool { return false }

// AnyLocale registers holidays that apply to every locale.
const AnyLocale = "*"

// StaticHolidays is a fixed calendar keyed by locale and yyyy-mm-dd.
type StaticHolidays struct {
	days map[string]map[string]struct{}
}

// NewStaticHolidays builds a calendar from locale -> dates in yyyy-mm-dd form.
func NewStaticHolidays(byLocale map[string][]string) (*StaticHolidays, error) {
	h := &StaticHolidays{days: make(map[string]map[string]struct{}, len(byLocale))}
	for locale, dates := range byLocale {
		set := make(map[string]struct{}, len(dates))
		for _, d := range dates {
			if _, err := time.Parse(dateLayout, d); err != nil {
				return nil, fmt.Errorf("holiday %q for locale %q: %w", d, locale, err)
			}
			set[d] = struct{}{}
		}
		h.days[locale] = set
	}
	return h, nil
}

// IsHoliday implements HolidayProvider.
func (h *StaticHolidays) IsHoliday(date time.Time, locale string) bool {
	if h == nil {
		return false
	}
	key := date.Format(dateLayout)
	if set, ok := h.days[locale]; ok {
		if _, hit := set[key]; hit {
			return true
		}
	}
	if set, ok := h.days[AnyLocale]; ok {
		_, hit := set[key]
		return hit
	}
	return false
}
