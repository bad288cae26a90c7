package regimen

import (
	"sort"
	"time"
)

// Frequency is the recurrence pattern of a regimen.
type Frequency string

const (
	FrequencyDaily    Frequency = "Daily"
	FrequencyWeekly   Frequency = "Weekly"
	FrequencyMonthly  Frequency = "Monthly"
	FrequencyAsNeeded Frequency = "As Needed"
)

// Weekday is the short English day name used by weekly regimens.
type Weekday string

const (
	Sunday    Weekday = "Sun"
	Monday    Weekday = "Mon"
	Tuesday   Weekday = "Tue"
	Wednesday Weekday = "Wed"
	Thursday  Weekday = "Thu"
	Friday    Weekday = "Fri"
	Saturday  Weekday = "Sat"
)

var weekdays = map[Weekday]time.Weekday{
	Sunday:    time.Sunday,
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
}

// Time converts the name to a time.Weekday.
func (d Weekday) Time() (time.Weekday, bool) {
	wd, ok := weekdays[d]
	return wd, ok
}

// MaxTimesPerDay caps the slots per day so every slot lands on a distinct hour.
const MaxTimesPerDay = 24

// Cadence is the scheduling variant of a regimen. The set of implementations is closed:
// DailyCadence, WeeklyCadence, MonthlyCadence and AsNeededCadence.
type Cadence interface {
	Frequency() Frequency
	validate() error
}

// DailyCadence schedules TimesPerDay evenly spaced doses on every day.
type DailyCadence struct {
	TimesPerDay int
}

func (DailyCadence) Frequency() Frequency { return FrequencyDaily }

func (c DailyCadence) validate() error {
	if c.TimesPerDay < 1 || c.TimesPerDay > MaxTimesPerDay {
		return invalid("timesPerDay", "must be between 1 and %d for a daily regimen", MaxTimesPerDay)
	}
	return nil
}

// WeeklyCadence schedules doses on the listed weekdays. TimesPerDay of zero means one.
type WeeklyCadence struct {
	Days        []Weekday
	TimesPerDay int
}

func (WeeklyCadence) Frequency() Frequency { return FrequencyWeekly }

func (c WeeklyCadence) validate() error {
	if len(c.Days) == 0 {
		return invalid("daysOfWeek", "at least one day is required for a weekly regimen")
	}
	for _, d := range c.Days {
		if _, ok := d.Time(); !ok {
			return invalid("daysOfWeek", "unknown day %q", d)
		}
	}
	if c.TimesPerDay < 0 || c.TimesPerDay > MaxTimesPerDay {
		return invalid("timesPerDay", "must be between 1 and %d", MaxTimesPerDay)
	}
	return nil
}

func (c WeeklyCadence) includes(wd time.Weekday) bool {
	for _, d := range c.Days {
		if t, ok := d.Time(); ok && t == wd {
			return true
		}
	}
	return false
}

// MonthlyCadence schedules one dose on the start date's day of month.
type MonthlyCadence struct{}

func (MonthlyCadence) Frequency() Frequency { return FrequencyMonthly }
func (MonthlyCadence) validate() error      { return nil }

// AsNeededCadence has no scheduled doses.
type AsNeededCadence struct{}

func (AsNeededCadence) Frequency() Frequency { return FrequencyAsNeeded }
func (AsNeededCadence) validate() error      { return nil }

// NewCadence builds the variant from flat fields. Fields that do not belong to the
// frequency must be left zero.
func NewCadence(freq Frequency, timesPerDay int, days []Weekday) (Cadence, error) {
	var c Cadence
	switch freq {
	case FrequencyDaily:
		if len(days) > 0 {
			return nil, invalid("daysOfWeek", "only allowed for a weekly regimen")
		}
		c = DailyCadence{TimesPerDay: timesPerDay}
	case FrequencyWeekly:
		c = WeeklyCadence{Days: normalizeDays(days), TimesPerDay: timesPerDay}
	case FrequencyMonthly:
		if len(days) > 0 {
			return nil, invalid("daysOfWeek", "only allowed for a weekly regimen")
		}
		c = MonthlyCadence{}
	case FrequencyAsNeeded:
		if len(days) > 0 {
			return nil, invalid("daysOfWeek", "only allowed for a weekly regimen")
		}
		c = AsNeededCadence{}
	default:
		return nil, invalid("frequency", "unknown frequency %q", freq)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// CadenceFields flattens a cadence for persistence and transport.
func CadenceFields(c Cadence) (freq Frequency, timesPerDay int, days []Weekday) {
	switch v := c.(type) {
	case DailyCadence:
		return FrequencyDaily, v.TimesPerDay, nil
	case WeeklyCadence:
		return FrequencyWeekly, v.TimesPerDay, append([]Weekday(nil), v.Days...)
	case MonthlyCadence:
		return FrequencyMonthly, 0, nil
	default:
		return FrequencyAsNeeded, 0, nil
	}
}

// slotsPerDay is the number of time slots on a due date.
func slotsPerDay(c Cadence) int {
	switch v := c.(type) {
	case DailyCadence:
		return v.TimesPerDay
	case WeeklyCadence:
		if v.TimesPerDay == 0 {
			return 1
		}
		return v.TimesPerDay
	case MonthlyCadence:
		return 1
	default:
		return 0
	}
}

func sameCadence(a, b Cadence) bool {
	fa, ta, da := CadenceFields(a)
	fb, tb, db := CadenceFields(b)
	if fa != fb || ta != tb || len(da) != len(db) {
		return false
	}
	for i := range da {
		if da[i] != db[i] {
			return false
		}
	}
	return true
}

// normalizeDays drops duplicates and orders days Sunday first.
func normalizeDays(days []Weekday) []Weekday {
	seen := make(map[Weekday]bool, len(days))
	out := make([]Weekday, 0, len(days))
	for _, d := range days {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, _ := out[i].Time()
		wj, _ := out[j].Time()
		return wi < wj
	})
	return out
}
