package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownField is returned for field names outside the intake record.
	ErrUnknownField = errors.New("intake: unknown field")
	// ErrEmptyValue is returned when a proposed value is blank.
	ErrEmptyValue = errors.New("intake: empty value")
	// ErrNothingPending is returned when a confirmation arrives for a field
	// with no proposed value.
	ErrNothingPending = errors.New("intake: no pending value to confirm")
	// ErrInvalidEmail is returned for addresses without a mailbox and domain.
	ErrInvalidEmail = errors.New("intake: invalid email address")
	// ErrInvalidReferral is returned when has_referral is not a yes or no.
	ErrInvalidReferral = errors.New("intake: has_referral must be yes or no")
)

type entry struct {
	value     string
	confirmed bool
}

// Proposal is a value stored as pending, together with the wording the agent
// should echo back to the caller for confirmation.
type Proposal struct {
	Field     Field  `json:"field"`
	Value     string `json:"value"`
	ReadBack  string `json:"read_back"`
	Confirmed bool   `json:"confirmed"`
}

// Confirmation is the outcome of a confirm_patient_field call.
type Confirmation struct {
	Field     Field  `json:"field"`
	Value     string `json:"value,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Message   string `json:"message"`
}

// Collector accumulates a patient's intake over a single call. Values are
// proposed first and only count toward completion once the caller confirms
// them. A Collector is not safe for concurrent use; the owning session
// serializes access.
type Collector struct {
	now     func() time.Time
	entries map[Field]*entry

	addressInput string
	addressFound bool
}

// NewCollector returns an empty collector. now may be nil.
func NewCollector(now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{now: now, entries: make(map[Field]*entry)}
}

// Propose validates and normalizes a value and stores it as pending,
// replacing any previous value for the field.
func (c *Collector) Propose(field Field, value string) (Proposal, error) {
	if !knownFields[field] {
		return Proposal{}, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Proposal{}, fmt.Errorf("%w: %s", ErrEmptyValue, field)
	}

	readBack := value
	switch field {
	case FieldPhone:
		phone, err := ValidatePhone(value)
		if err != nil {
			return Proposal{}, err
		}
		value, readBack = phone.Formatted, phone.Formatted
	case FieldDateOfBirth:
		dob, err := ValidateDOB(value, c.now())
		if err != nil {
			return Proposal{}, err
		}
		value, readBack = dob.Formatted, dob.Verbal
	case FieldHasReferral:
		yes, ok := ParseAffirmation(value)
		if !ok {
			return Proposal{}, ErrInvalidReferral
		}
		value, readBack = "no", "no referral"
		if yes {
			value, readBack = "yes", "you have a referral"
		}
	case FieldEmail:
		if !looksLikeEmail(value) {
			return Proposal{}, ErrInvalidEmail
		}
		value = strings.ToLower(value)
		readBack = value
	case FieldAddress:
		c.addressInput = value
		c.addressFound = false
	}

	c.entries[field] = &entry{value: value}
	return Proposal{Field: field, Value: value, ReadBack: readBack}, nil
}

// ProposeAddress stores a geocoded suggestion for the caller's raw address.
// found reports whether the geocoder matched the address; when false the
// suggestion is the caller's own wording.
func (c *Collector) ProposeAddress(raw, suggestion string, found bool) Proposal {
	raw = strings.TrimSpace(raw)
	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		suggestion = raw
	}
	c.addressInput = raw
	c.addressFound = found
	c.entries[FieldAddress] = &entry{value: suggestion}
	return Proposal{Field: FieldAddress, Value: suggestion, ReadBack: suggestion}
}

// Confirm finalizes or discards the pending value for field. A rejected value
// is cleared so the field has to be collected again.
func (c *Collector) Confirm(field Field, confirmed bool) (Confirmation, error) {
	if !knownFields[field] {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	e, ok := c.entries[field]
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNothingPending, field)
	}
	if confirmed {
		e.confirmed = true
		return Confirmation{
			Field:     field,
			Value:     e.value,
			Confirmed: true,
			Message:   fmt.Sprintf("Thank you, I have your %s as %s.", fieldLabel(field), e.value),
		}, nil
	}
	delete(c.entries, field)
	if field == FieldAddress {
		c.addressInput = ""
		c.addressFound = false
	}
	return Confirmation{
		Field:   field,
		Message: fmt.Sprintf("No problem. Could you tell me your %s again?", fieldLabel(field)),
	}, nil
}

// Value returns the current value of a field and whether it is confirmed.
func (c *Collector) Value(field Field) (string, bool) {
	e, ok := c.entries[field]
	if !ok {
		return "", false
	}
	return e.value, e.confirmed
}

// Pending reports whether a field has a proposed value awaiting confirmation.
func (c *Collector) Pending(field Field) bool {
	e, ok := c.entries[field]
	return ok && !e.confirmed
}

// AddressFound reports whether the pending or confirmed address came from a
// geocoder match.
func (c *Collector) AddressFound() bool {
	return c.addressFound
}

func (c *Collector) confirmed(field Field) bool {
	e, ok := c.entries[field]
	return ok && e.confirmed
}

// Missing lists required fields that are not yet confirmed, in collection
// order. A referring physician is required once the caller says they have a
// referral.
func (c *Collector) Missing() []Field {
	var missing []Field
	for _, f := range requiredFields {
		if !c.confirmed(f) {
			missing = append(missing, f)
		}
		if f == FieldHasReferral && c.confirmed(FieldHasReferral) &&
			c.entries[FieldHasReferral].value == "yes" && !c.confirmed(FieldReferringPhysician) {
			missing = append(missing, FieldReferringPhysician)
		}
	}
	return missing
}

// Complete returns the confirmed record when every required field is
// confirmed, otherwise the missing fields.
func (c *Collector) Complete() (Record, []Field) {
	if missing := c.Missing(); len(missing) > 0 {
		return Record{}, missing
	}
	return c.Record(), nil
}

// Record snapshots the confirmed values. Unconfirmed values are omitted.
func (c *Collector) Record() Record {
	get := func(f Field) string {
		if c.confirmed(f) {
			return c.entries[f].value
		}
		return ""
	}
	r := Record{
		Name:               get(FieldName),
		DateOfBirth:        get(FieldDateOfBirth),
		ChiefComplaint:     get(FieldChiefComplaint),
		InsurancePayer:     get(FieldInsurancePayer),
		InsuranceID:        get(FieldInsuranceID),
		HasReferral:        get(FieldHasReferral) == "yes",
		ReferringPhysician: get(FieldReferringPhysician),
		Address:            get(FieldAddress),
		Phone:              get(FieldPhone),
		Email:              get(FieldEmail),
	}
	if r.Address != "" {
		r.AddressInput = c.addressInput
	}
	r.Urgent = IsUrgentComplaint(r.ChiefComplaint)
	return r
}

// FieldLabel is the spoken name of a field.
func FieldLabel(f Field) string { return fieldLabel(f) }

func fieldLabel(f Field) string {
	switch f {
	case FieldDateOfBirth:
		return "date of birth"
	case FieldChiefComplaint:
		return "reason for the visit"
	case FieldInsurancePayer:
		return "insurance provider"
	case FieldInsuranceID:
		return "insurance member ID"
	case FieldHasReferral:
		return "referral status"
	case FieldReferringPhysician:
		return "referring physician"
	case FieldPhone:
		return "phone number"
	case FieldEmail:
		return "email address"
	default:
		return string(f)
	}
}

func looksLikeEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at < 1 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}
