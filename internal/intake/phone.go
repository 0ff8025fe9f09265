package intake

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhone is returned when a number is not a valid US phone number.
var ErrInvalidPhone = errors.New("intake: invalid phone number")

// Phone is a validated phone number.
type Phone struct {
	// Formatted is the national format read back to the caller, e.g. (415) 555-2671.
	Formatted string
	E164      string
}

// ValidatePhone checks the format of a spoken or typed US phone number. It
// does not verify that the line exists.
func ValidatePhone(text string) (Phone, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Phone{}, ErrInvalidPhone
	}
	num, err := phonenumbers.Parse(text, "US")
	if err != nil {
		return Phone{}, ErrInvalidPhone
	}
	if !phonenumbers.IsValidNumber(num) {
		return Phone{}, ErrInvalidPhone
	}
	return Phone{
		Formatted: phonenumbers.Format(num, phonenumbers.NATIONAL),
		E164:      phonenumbers.Format(num, phonenumbers.E164),
	}, nil
}
