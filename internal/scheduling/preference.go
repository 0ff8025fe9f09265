package scheduling

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// preference is a parsed caller preference such as "Thursday afternoon with
// Dr. Chen". Every set criterion must match.
type preference struct {
	days      []int
	fromMin   int
	toMin     int
	providers []string
}

var providerWords = map[string]string{
	"smith":    "smith",
	"sarah":    "smith",
	"johnson":  "johnson",
	"michael":  "johnson",
	"chen":     "chen",
	"emily":    "chen",
	"family":   "family medicine",
	"internal": "internal medicine",
	"general":  "general practice",
}

func parsePreference(raw string) preference {
	p := preference{toMin: 24 * 60}
	text := normalizeRef(raw)
	if text == "" {
		return p
	}
	for _, tok := range strings.Fields(text) {
		switch tok {
		case "morning":
			p.fromMin, p.toMin = 0, 12*60
		case "afternoon":
			p.fromMin, p.toMin = 12*60, 17*60
		case "evening":
			p.fromMin, p.toMin = 17*60, 24*60
		case "today":
			p.days = append(p.days, 0)
		case "tomorrow":
			p.days = append(p.days, 1)
		default:
			if wd, ok := parseWeekday(tok); ok {
				// Resolved against the clock when matching.
				p.days = append(p.days, -1-int(wd))
				continue
			}
			if match, ok := providerWords[tok]; ok {
				p.providers = append(p.providers, match)
			}
		}
	}
	// "urgent", "asap" and "earliest" add no filter: offers are already
	// ordered by proximity.
	return p
}

func (p preference) matches(s Slot, now time.Time) bool {
	if len(p.days) > 0 {
		offset := dayOffset(s.Day, now)
		ok := false
		for _, d := range p.days {
			if d < 0 {
				d = dayOffset(time.Weekday(-1-d).String(), now)
			}
			if d == offset {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if m := s.minuteOfDay(); m < p.fromMin || m >= p.toMin {
		return false
	}
	if len(p.providers) > 0 {
		who := strings.ToLower(s.Provider + " " + s.Specialty)
		ok := false
		for _, name := range p.providers {
			if strings.Contains(who, name) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// key identifies the preference for offer rotation.
func (p preference) key() string {
	days := append([]int(nil), p.days...)
	sort.Ints(days)
	providers := append([]string(nil), p.providers...)
	sort.Strings(providers)
	return fmt.Sprintf("%v|%d-%d|%s", days, p.fromMin, p.toMin, strings.Join(providers, ","))
}
