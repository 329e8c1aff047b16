package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"followup-engine/internal/channel"
	"followup-engine/internal/pattern"
)

const dateLayout = "2006-01-02"

// Definition is the YAML form of a new campaign.
type Definition struct {
	OwnerID    string              `yaml:"owner_id"`
	Name       string              `yaml:"name"`
	Channel    string              `yaml:"channel"`
	LeadSource string              `yaml:"lead_source"`
	Subject    string              `yaml:"subject"`
	Template   string              `yaml:"template"`
	Status     string              `yaml:"status"`
	Schedule   *ScheduleDefinition `yaml:"schedule"`
}

// ScheduleDefinition is the YAML form of a recurring pattern.
type ScheduleDefinition struct {
	Type           string   `yaml:"type"`
	Frequency      int      `yaml:"frequency"`
	TimeOfDay      string   `yaml:"time_of_day"`
	Location       string   `yaml:"location"`
	Weekdays       []string `yaml:"weekdays"`
	MonthDays      []int    `yaml:"month_days"`
	WeekOfMonth    int      `yaml:"week_of_month"`
	DayOfWeek      string   `yaml:"day_of_week"`
	MonthDay       int      `yaml:"month_day"`
	Month          int      `yaml:"month"`
	CustomDays     []int    `yaml:"custom_days"`
	StartDate      string   `yaml:"start_date"`
	EndDate        string   `yaml:"end_date"`
	MaxOccurrences int      `yaml:"max_occurrences"`
	ExceptionDates []string `yaml:"exception_dates"`
	WorkdaysOnly   bool     `yaml:"workdays_only"`
	SkipHolidays   bool     `yaml:"skip_holidays"`
	HolidayRule    string   `yaml:"holiday_rule"`
	HolidayLocale  string   `yaml:"holiday_locale"`
}

// ParseDefinition decodes a campaign YAML document into a Campaign.
func ParseDefinition(data []byte) (Campaign, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Campaign{}, fmt.Errorf("decode campaign: %w", err)
	}
	ch, err := channel.Parse(def.Channel)
	if err != nil {
		return Campaign{}, err
	}
	c := Campaign{
		OwnerID:    def.OwnerID,
		Name:       def.Name,
		Channel:    ch,
		Status:     Status(strings.ToLower(def.Status)),
		LeadSource: def.LeadSource,
		Subject:    def.Subject,
		Template:   def.Template,
	}
	if def.Schedule != nil {
		p, err := def.Schedule.pattern()
		if err != nil {
			return Campaign{}, err
		}
		c.Pattern = &p
	}
	return c, nil
}

func (s ScheduleDefinition) pattern() (pattern.RecurringPattern, error) {
	loc := time.UTC
	if s.Location != "" {
		l, err := time.LoadLocation(s.Location)
		if err != nil {
			return pattern.RecurringPattern{}, fmt.Errorf("schedule location: %w", err)
		}
		loc = l
	}
	p := pattern.RecurringPattern{
		Type:           pattern.Type(strings.ToLower(s.Type)),
		Frequency:      s.Frequency,
		TimeOfDay:      s.TimeOfDay,
		Location:       s.Location,
		MonthDays:      s.MonthDays,
		WeekOfMonth:    s.WeekOfMonth,
		MonthDay:       s.MonthDay,
		Month:          time.Month(s.Month),
		CustomDays:     s.CustomDays,
		MaxOccurrences: s.MaxOccurrences,
		ExceptionDates: s.ExceptionDates,
		WorkdaysOnly:   s.WorkdaysOnly,
		SkipHolidays:   s.SkipHolidays,
		HolidayRule:    pattern.HolidayRule(strings.ToLower(s.HolidayRule)),
		HolidayLocale:  s.HolidayLocale,
		Active:         true,
	}
	if p.Frequency == 0 {
		p.Frequency = 1
	}
	for _, name := range s.Weekdays {
		wd, err := parseWeekday(name)
		if err != nil {
			return pattern.RecurringPattern{}, err
		}
		p.Weekdays = append(p.Weekdays, wd)
	}
	if s.DayOfWeek != "" {
		wd, err := parseWeekday(s.DayOfWeek)
		if err != nil {
			return pattern.RecurringPattern{}, err
		}
		p.DayOfWeek = wd
	}
	if s.StartDate == "" {
		return pattern.RecurringPattern{}, errors.New("schedule start_date is required")
	}
	start, err := time.ParseInLocation(dateLayout, s.StartDate, loc)
	if err != nil {
		return pattern.RecurringPattern{}, fmt.Errorf("schedule start_date: %w", err)
	}
	p.StartDate = start
	if s.EndDate != "" {
		end, err := time.ParseInLocation(dateLayout, s.EndDate, loc)
		if err != nil {
			return pattern.RecurringPattern{}, fmt.Errorf("schedule end_date: %w", err)
		}
		// The end date is inclusive.
		end = end.Add(24*time.Hour - time.Nanosecond)
		p.EndDate = &end
	}
	return p, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// Prepare validates a new campaign and schedules its first occurrence after now. A
// malformed pattern fails here rather than on the first cycle.
func Prepare(c Campaign, now time.Time, holidays pattern.HolidayProvider) (Campaign, error) {
	var errs []error
	if strings.TrimSpace(c.OwnerID) == "" {
		errs = append(errs, errors.New("owner_id is required"))
	}
	if strings.TrimSpace(c.LeadSource) == "" {
		errs = append(errs, errors.New("lead_source is required"))
	}
	if strings.TrimSpace(c.Template) == "" {
		errs = append(errs, errors.New("template is required"))
	}
	if _, err := channel.Parse(string(c.Channel)); err != nil {
		errs = append(errs, err)
	}
	switch c.Status {
	case "":
		c.Status = StatusActive
	case StatusActive, StatusPaused:
	default:
		errs = append(errs, fmt.Errorf("a new campaign cannot be %q", c.Status))
	}
	if len(errs) > 0 {
		return Campaign{}, errors.Join(errs...)
	}
	if c.Pattern == nil {
		return c, nil
	}

	p := *c.Pattern
	p.Active = true
	p.CurrentOccurrences = 0
	p.OwnerID = c.OwnerID
	next, err := pattern.Reschedule(p, now, holidays)
	if err != nil {
		return Campaign{}, fmt.Errorf("schedule campaign: %w", err)
	}
	c.Pattern = &next
	return c, nil
}
