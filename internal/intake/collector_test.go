package intake

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)
}

func confirmAll(t *testing.T, c *Collector, values map[Field]string) {
	t.Helper()
	for f, v := range values {
		if _, err := c.Propose(f, v); err != nil {
			t.Fatalf("propose %s: %v", f, err)
		}
		if _, err := c.Confirm(f, true); err != nil {
			t.Fatalf("confirm %s: %v", f, err)
		}
	}
}

func TestProposeRequiresConfirmation(t *testing.T) {
	c := NewCollector(fixedNow)
	p, err := c.Propose(FieldName, "  Jane Doe ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Value != "Jane Doe" || p.Confirmed {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if !c.Pending(FieldName) {
		t.Fatalf("expected name to be pending")
	}
	if got := c.Record().Name; got != "" {
		t.Fatalf("unconfirmed value leaked into record: %q", got)
	}
	if _, err := c.Confirm(FieldName, true); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := c.Record().Name; got != "Jane Doe" {
		t.Fatalf("expected confirmed name, got %q", got)
	}
}

func TestAddressConfirmAndReject(t *testing.T) {
	c := NewCollector(fixedNow)
	p := c.ProposeAddress("123 Main St, Springfield", "123 Main Street, Springfield, IL 62701", true)
	if p.Value != "123 Main Street, Springfield, IL 62701" {
		t.Fatalf("unexpected suggestion %q", p.Value)
	}

	conf, err := c.Confirm(FieldAddress, true)
	if err != nil || !conf.Confirmed {
		t.Fatalf("expected confirmed address, got %+v err=%v", conf, err)
	}
	rec := c.Record()
	if rec.Address != p.Value || rec.AddressInput != "123 Main St, Springfield" {
		t.Fatalf("unexpected address in record: %+v", rec)
	}

	c.ProposeAddress("123 Main St, Springfield", "123 Main Street, Springfield, IL 62701", true)
	conf, err = c.Confirm(FieldAddress, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if conf.Confirmed || conf.Message == "" {
		t.Fatalf("expected re-prompt on rejection, got %+v", conf)
	}
	if v, _ := c.Value(FieldAddress); v != "" {
		t.Fatalf("expected cleared address, got %q", v)
	}
	if c.Record().AddressInput != "" {
		t.Fatalf("expected raw address cleared")
	}
}

func TestProposeAddressFallsBackToRaw(t *testing.T) {
	c := NewCollector(fixedNow)
	p := c.ProposeAddress("9 Elm Rd", "", false)
	if p.Value != "9 Elm Rd" || c.AddressFound() {
		t.Fatalf("unexpected proposal %+v found=%v", p, c.AddressFound())
	}
}

func TestConfirmWithoutProposal(t *testing.T) {
	c := NewCollector(fixedNow)
	if _, err := c.Confirm(FieldPhone, true); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
	if _, err := c.Confirm(Field("shoe_size"), true); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestProposeValidation(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		value   string
		want    string
		wantErr error
	}{
		{"phone normalized", FieldPhone, "415.555.2671", "(415) 555-2671", nil},
		{"phone invalid", FieldPhone, "12345", "", ErrInvalidPhone},
		{"dob normalized", FieldDateOfBirth, "March 4th, 1985", "03-04-1985", nil},
		{"dob future", FieldDateOfBirth, "01/01/2030", "", ErrFutureDOB},
		{"referral yes", FieldHasReferral, "Yes", "yes", nil},
		{"referral no", FieldHasReferral, "false", "no", nil},
		{"referral garbage", FieldHasReferral, "maybe", "", ErrInvalidReferral},
		{"email lowered", FieldEmail, "Jane@Example.COM", "jane@example.com", nil},
		{"email invalid", FieldEmail, "jane at example", "", ErrInvalidEmail},
		{"empty value", FieldName, "   ", "", ErrEmptyValue},
		{"unknown field", Field("favorite_color"), "blue", "", ErrUnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(fixedNow)
			p, err := c.Propose(tt.field, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if c.Pending(tt.field) {
					t.Fatalf("invalid value must not be stored")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Value != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, p.Value)
			}
		})
	}
}

func TestDOBProposalReadsBackVerbal(t *testing.T) {
	c := NewCollector(fixedNow)
	p, err := c.Propose(FieldDateOfBirth, "1985-03-22")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ReadBack != "March 22nd, 1985" {
		t.Fatalf("unexpected read back %q", p.ReadBack)
	}
}

func TestMissingInOrder(t *testing.T) {
	c := NewCollector(fixedNow)
	confirmAll(t, c, map[Field]string{
		FieldName:  "Jane Doe",
		FieldPhone: "4155552671",
	})
	want := []Field{
		FieldDateOfBirth,
		FieldChiefComplaint,
		FieldInsurancePayer,
		FieldInsuranceID,
		FieldHasReferral,
		FieldAddress,
	}
	if got := c.Missing(); !reflect.DeepEqual(got, want) {
		t.Fatalf("missing = %v, want %v", got, want)
	}
}

func TestReferralRequiresPhysician(t *testing.T) {
	c := NewCollector(fixedNow)
	confirmAll(t, c, map[Field]string{
		FieldName:           "Jane Doe",
		FieldDateOfBirth:    "04/05/1990",
		FieldChiefComplaint: "severe back pain",
		FieldInsurancePayer: "Aetna",
		FieldInsuranceID:    "W123456789",
		FieldHasReferral:    "yes",
		FieldAddress:        "1 Market St, San Francisco, CA 94105",
		FieldPhone:          "(415) 555-2671",
	})
	if _, missing := c.Complete(); !reflect.DeepEqual(missing, []Field{FieldReferringPhysician}) {
		t.Fatalf("expected referring physician missing, got %v", missing)
	}

	confirmAll(t, c, map[Field]string{FieldReferringPhysician: "Dr. Patel"})
	rec, missing := c.Complete()
	if len(missing) != 0 {
		t.Fatalf("expected complete, missing %v", missing)
	}
	if !rec.HasReferral || rec.ReferralDetails() != "Referred by Dr. Patel" {
		t.Fatalf("unexpected referral details %+v", rec)
	}
	if !rec.Urgent {
		t.Fatalf("expected urgent complaint flag")
	}
}

func TestRejectedFieldBecomesMissingAgain(t *testing.T) {
	c := NewCollector(fixedNow)
	confirmAll(t, c, map[Field]string{FieldName: "Jane Doe"})
	if _, err := c.Propose(FieldName, "Jane Dough"); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := c.Confirm(FieldName, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	missing := c.Missing()
	if len(missing) == 0 || missing[0] != FieldName {
		t.Fatalf("expected name missing after rejection, got %v", missing)
	}
}
