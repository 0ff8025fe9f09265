package scheduling

import (
	"fmt"
	"strings"
	"time"
)

// Slot is a bookable appointment time for one provider. Slots come from a
// fixed table and are never computed.
type Slot struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Specialty string `json:"specialty"`
	Day       string `json:"day"`
	Time      string `json:"time"`
}

// Label is the spoken form, e.g. "Dr. Sarah Smith (Family Medicine), Today at 3:30 PM".
func (s Slot) Label() string {
	return fmt.Sprintf("%s (%s), %s at %s", s.Provider, s.Specialty, s.Day, s.Time)
}

// When is the day and time portion, e.g. "Today at 3:30 PM".
func (s Slot) When() string {
	return s.Day + " at " + s.Time
}

// minuteOfDay parses Time ("3:30 PM"); unparseable times sort last.
func (s Slot) minuteOfDay() int {
	t, err := time.Parse("3:04 PM", strings.ToUpper(strings.TrimSpace(s.Time)))
	if err != nil {
		return 24 * 60
	}
	return t.Hour()*60 + t.Minute()
}

// DefaultSlots is the clinic's static availability.
func DefaultSlots() []Slot {
	const (
		smith   = "Dr. Sarah Smith"
		johnson = "Dr. Michael Johnson"
		chen    = "Dr. Emily Chen"
		family  = "Family Medicine"
		intern  = "Internal Medicine"
		general = "General Practice"
	)
	return []Slot{
		{ID: "smith-today-1530", Provider: smith, Specialty: family, Day: "Today", Time: "3:30 PM"},
		{ID: "smith-tomorrow-1000", Provider: smith, Specialty: family, Day: "Tomorrow", Time: "10:00 AM"},
		{ID: "smith-tomorrow-1430", Provider: smith, Specialty: family, Day: "Tomorrow", Time: "2:30 PM"},
		{ID: "smith-thursday-0900", Provider: smith, Specialty: family, Day: "Thursday", Time: "9:00 AM"},
		{ID: "smith-thursday-1500", Provider: smith, Specialty: family, Day: "Thursday", Time: "3:00 PM"},
		{ID: "johnson-wednesday-1100", Provider: johnson, Specialty: intern, Day: "Wednesday", Time: "11:00 AM"},
		{ID: "johnson-wednesday-1600", Provider: johnson, Specialty: intern, Day: "Wednesday", Time: "4:00 PM"},
		{ID: "johnson-friday-1030", Provider: johnson, Specialty: intern, Day: "Friday", Time: "10:30 AM"},
		{ID: "johnson-friday-1400", Provider: johnson, Specialty: intern, Day: "Friday", Time: "2:00 PM"},
		{ID: "chen-tomorrow-1130", Provider: chen, Specialty: general, Day: "Tomorrow", Time: "11:30 AM"},
		{ID: "chen-wednesday-0930", Provider: chen, Specialty: general, Day: "Wednesday", Time: "9:30 AM"},
		{ID: "chen-thursday-1300", Provider: chen, Specialty: general, Day: "Thursday", Time: "1:00 PM"},
		{ID: "chen-friday-1630", Provider: chen, Specialty: general, Day: "Friday", Time: "4:30 PM"},
	}
}

// dayOffset is how many days from now the slot's day falls. Today is 0,
// Tomorrow is 1 and weekday names count forward from the current weekday,
// with the current weekday's name meaning next week.
func dayOffset(day string, now time.Time) int {
	switch d := strings.ToLower(strings.TrimSpace(day)); d {
	case "today":
		return 0
	case "tomorrow":
		return 1
	default:
		wd, ok := parseWeekday(d)
		if !ok {
			return 8
		}
		diff := (int(wd) - int(now.Weekday()) + 7) % 7
		if diff == 0 {
			diff = 7
		}
		return diff
	}
}

func parseWeekday(s string) (time.Weekday, bool) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return wd, true
		}
	}
	return 0, false
}

// DateOf resolves the slot's relative day against now.
func DateOf(s Slot, now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, dayOffset(s.Day, now))
}
