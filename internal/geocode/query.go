package geocode

import (
	"regexp"
	"strings"
)

// Query is an address as the caller gave it, either as structured parts or
// as one free-text string.
type Query struct {
	Street string
	Unit   string
	City   string
	State  string
	Zip    string
	Text   string
}

// Suggestion is a geocoder proposal for a caller's address. It is never
// authoritative: the caller confirms or rejects it.
type Suggestion struct {
	Original  string `json:"original"`
	Formatted string `json:"formatted"`
	Street    string `json:"street,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	// Found is false when no lookup matched and Formatted is the caller's own input.
	Found bool `json:"found"`
	// Tier is the query tier that matched, 0 when none did.
	Tier int `json:"tier"`
}

var (
	unitDesignator = regexp.MustCompile(`(?i)[,\s]*\b(apt|apartment|unit|suite|ste|floor|rm|room)\b\.?\s*[\w-]+|[,\s]*#\s*[\w-]+`)
	houseNumber    = regexp.MustCompile(`^\d+[A-Za-z]?\s+`)
	stateZip       = regexp.MustCompile(`\b([A-Za-z]{2})(\s+\d{5}(?:-\d{4})?)\b`)
)

// structured reports whether any address part is set. Text then stands in
// for a missing street line.
func (q Query) structured() bool {
	for _, part := range []string{q.Street, q.Unit, q.City, q.State, q.Zip} {
		if strings.TrimSpace(part) != "" {
			return true
		}
	}
	return false
}

func (q Query) street() string {
	if street := collapse(q.Street); street != "" {
		return street
	}
	return collapse(q.Text)
}

func (q Query) streetLine() string {
	line := q.street()
	if unit := collapse(q.Unit); unit != "" {
		line = strings.TrimSpace(line + " " + unit)
	}
	return line
}

// Raw is the caller's input as a single line.
func (q Query) Raw() string {
	if !q.structured() {
		return collapse(q.Text)
	}
	return formatParts(q.streetLine(), collapse(q.City), collapse(q.State), collapse(q.Zip))
}

// tiers returns the full query followed by a reduced one. The reduced query
// is dropped when it would repeat the first.
func (q Query) tiers() []string {
	var full, reduced string
	if q.structured() {
		full = q.Raw() + ", USA"
		street := q.street()
		switch {
		case street == "":
		case collapse(q.Zip) != "":
			reduced = street + ", " + collapse(q.Zip) + ", USA"
		case collapse(q.City) != "":
			reduced = formatParts(street, collapse(q.City), collapse(q.State), "")
		}
	} else {
		text := collapse(q.Text)
		full = text + ", USA"
		reduced = collapse(unitDesignator.ReplaceAllString(text, ""))
		if reduced == text {
			reduced = collapse(houseNumber.ReplaceAllString(text, ""))
		}
		if reduced != "" {
			reduced += ", USA"
		}
	}
	if reduced == "" || reduced == full {
		return []string{full}
	}
	return []string{full, reduced}
}

// normalized is the fallback suggestion: whitespace collapsed and a two
// letter state upper-cased.
func (q Query) normalized() string {
	if q.structured() {
		state := collapse(q.State)
		if len(state) == 2 {
			state = strings.ToUpper(state)
		}
		return formatParts(q.streetLine(), collapse(q.City), state, collapse(q.Zip))
	}
	text := collapse(q.Text)
	return stateZip.ReplaceAllStringFunc(text, func(m string) string {
		parts := stateZip.FindStringSubmatch(m)
		return strings.ToUpper(parts[1]) + parts[2]
	})
}

// formatParts renders "street, city, ST zip", skipping blanks.
func formatParts(street, city, state, zip string) string {
	var parts []string
	if street != "" {
		parts = append(parts, street)
	}
	if city != "" {
		parts = append(parts, city)
	}
	tail := strings.TrimSpace(state + " " + zip)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
