package intake

import (
	"errors"
	"testing"
	"time"
)

func TestValidatePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"4155552671", "(415) 555-2671", false},
		{"+1 415 555 2671", "(415) 555-2671", false},
		{"(212) 555-0198", "(212) 555-0198", false},
		{"555-2671", "", true},
		{"not a number", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ValidatePhone(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Fatalf("ValidatePhone(%q): expected ErrInvalidPhone, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ValidatePhone(%q): unexpected error %v", tt.in, err)
		}
		if got.Formatted != tt.want {
			t.Fatalf("ValidatePhone(%q) = %q, want %q", tt.in, got.Formatted, tt.want)
		}
		if got.E164 == "" || got.E164[0] != '+' {
			t.Fatalf("expected E164 form, got %q", got.E164)
		}
	}
}

func TestValidateDOB(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    string
		verbal  string
		wantErr error
	}{
		{"03/04/1985", "03-04-1985", "March 4th, 1985", nil},
		{"3-4-1985", "03-04-1985", "March 4th, 1985", nil},
		{"1985-03-04", "03-04-1985", "March 4th, 1985", nil},
		{"march 21st 1985", "03-21-1985", "March 21st, 1985", nil},
		{"Dec 13, 2001", "12-13-2001", "December 13th, 2001", nil},
		{"2 January 1990", "01-02-1990", "January 2nd, 1990", nil},
		{"02/30/1990", "", "", ErrInvalidDOB},
		{"yesterday", "", "", ErrInvalidDOB},
		{"04/01/2026", "", "", ErrFutureDOB},
		{"01/01/1900", "", "", ErrImplausibleDOB},
	}
	for _, tt := range tests {
		got, err := ValidateDOB(tt.in, now)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateDOB(%q): expected %v, got %v", tt.in, tt.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ValidateDOB(%q): unexpected error %v", tt.in, err)
		}
		if got.Formatted != tt.want || got.Verbal != tt.verbal {
			t.Fatalf("ValidateDOB(%q) = %q / %q", tt.in, got.Formatted, got.Verbal)
		}
	}
}

func TestValidateDOBParts(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	if _, err := ValidateDOBParts(2, 29, 2023, now); !errors.Is(err, ErrInvalidDOB) {
		t.Fatalf("expected invalid leap day, got %v", err)
	}
	got, err := ValidateDOBParts(2, 29, 2024, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Formatted != "02-29-2024" || got.Verbal != "February 29th, 2024" {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, err := ValidateDOBParts(13, 1, 1990, now); !errors.Is(err, ErrInvalidDOB) {
		t.Fatalf("expected invalid month, got %v", err)
	}
	if DOBMessage(ErrImplausibleDOB) == DOBMessage(ErrInvalidDOB) {
		t.Fatalf("expected distinct caller messages")
	}
}

func TestOrdinal(t *testing.T) {
	cases := map[int]string{1: "1st", 2: "2nd", 3: "3rd", 4: "4th", 11: "11th", 12: "12th", 13: "13th", 21: "21st", 22: "22nd", 23: "23rd", 30: "30th"}
	for n, want := range cases {
		if got := ordinal(n); got != want {
			t.Fatalf("ordinal(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestParseFieldAliases(t *testing.T) {
	cases := map[string]Field{
		"Date of Birth": FieldDateOfBirth,
		"dob":           FieldDateOfBirth,
		"phone_number":  FieldPhone,
		"Insurance ID":  FieldInsuranceID,
		"referral":      FieldHasReferral,
	}
	for in, want := range cases {
		got, ok := ParseField(in)
		if !ok || got != want {
			t.Fatalf("ParseField(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseField("shoe size"); ok {
		t.Fatalf("expected unknown field")
	}
}

func TestIsUrgentComplaint(t *testing.T) {
	if !IsUrgentComplaint("Severe headache since Monday") {
		t.Fatalf("expected urgent")
	}
	if IsUrgentComplaint("annual physical") {
		t.Fatalf("expected routine")
	}
}

func TestParseAffirmation(t *testing.T) {
	for _, in := range []string{"Yes", "yeah.", "correct", "That's right"} {
		if yes, ok := ParseAffirmation(in); !ok || !yes {
			t.Fatalf("expected %q to affirm", in)
		}
	}
	for _, in := range []string{"no", "Nope!", "wrong"} {
		if yes, ok := ParseAffirmation(in); !ok || yes {
			t.Fatalf("expected %q to deny", in)
		}
	}
	if _, ok := ParseAffirmation("456 Oak Ave"); ok {
		t.Fatalf("expected address text not to parse as yes/no")
	}
}
