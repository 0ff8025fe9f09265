package intake

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidDOB is returned when a date of birth cannot be parsed or does
	// not exist on the calendar.
	ErrInvalidDOB = errors.New("intake: invalid date of birth")
	// ErrFutureDOB is returned for dates after today.
	ErrFutureDOB = errors.New("intake: date of birth is in the future")
	// ErrImplausibleDOB is returned for ages over maxAgeYears.
	ErrImplausibleDOB = errors.New("intake: date of birth is implausible")
)

const maxAgeYears = 120

// DOB is a validated date of birth.
type DOB struct {
	Date time.Time
	// Formatted is MM-DD-YYYY.
	Formatted string
	// Verbal reads naturally when spoken, e.g. "March 4th, 1985".
	Verbal string
}

var dobLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01.02.2006",
	"2006-01-02",
	"2006/01/02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
}

var ordinalSuffix = regexp.MustCompile(`(\d+)(st|nd|rd|th)\b`)

// ValidateDOB parses a date of birth in any of the common spoken or typed
// forms and checks that it is plausible relative to now.
func ValidateDOB(text string, now time.Time) (DOB, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = ordinalSuffix.ReplaceAllString(cleaned, "$1")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return DOB{}, ErrInvalidDOB
	}
	for _, layout := range dobLayouts {
		parsed, err := time.Parse(layout, cleaned)
		if err != nil {
			continue
		}
		return checkDOB(parsed, now)
	}
	// Month names are matched case-sensitively by time.Parse.
	if titled := titleWords(cleaned); titled != cleaned {
		return ValidateDOB(titled, now)
	}
	return DOB{}, ErrInvalidDOB
}

// ValidateDOBParts validates a date of birth given as separate numeric parts.
func ValidateDOBParts(month, day, year int, now time.Time) (DOB, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1 {
		return DOB{}, ErrInvalidDOB
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Month() != time.Month(month) || date.Day() != day {
		return DOB{}, ErrInvalidDOB
	}
	return checkDOB(date, now)
}

func checkDOB(date, now time.Time) (DOB, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	if date.After(today) {
		return DOB{}, ErrFutureDOB
	}
	if ageOn(date, today) > maxAgeYears {
		return DOB{}, ErrImplausibleDOB
	}
	return DOB{
		Date:      date,
		Formatted: date.Format("01-02-2006"),
		Verbal:    fmt.Sprintf("%s %s, %d", date.Month(), ordinal(date.Day()), date.Year()),
	}, nil
}

func ageOn(dob, today time.Time) int {
	age := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		age--
	}
	return age
}

func ordinal(n int) string {
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

func titleWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// DOBMessage is the caller-facing wording for a date of birth rejection.
func DOBMessage(err error) string {
	switch {
	case errors.Is(err, ErrFutureDOB):
		return "That date is in the future. Could you repeat your date of birth?"
	case errors.Is(err, ErrImplausibleDOB):
		return "That would make you over 120 years old. Please confirm your date of birth."
	default:
		return "I couldn't understand that date. Could you give me your date of birth as month, day, and year?"
	}
}
