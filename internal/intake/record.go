package intake

import "strings"

// Field names a piece of patient intake data. The string values double as the
// field_name argument of the intake tools.
type Field string

const (
	FieldName               Field = "name"
	FieldDateOfBirth        Field = "date_of_birth"
	FieldChiefComplaint     Field = "chief_complaint"
	FieldInsurancePayer     Field = "insurance_payer"
	FieldInsuranceID        Field = "insurance_id"
	FieldHasReferral        Field = "has_referral"
	FieldReferringPhysician Field = "referring_physician"
	FieldAddress            Field = "address"
	FieldPhone              Field = "phone"
	FieldEmail              Field = "email"
)

// requiredFields is the collection order used when reporting missing fields.
var requiredFields = []Field{
	FieldName,
	FieldDateOfBirth,
	FieldChiefComplaint,
	FieldInsurancePayer,
	FieldInsuranceID,
	FieldHasReferral,
	FieldAddress,
	FieldPhone,
}

var knownFields = map[Field]bool{
	FieldName:               true,
	FieldDateOfBirth:        true,
	FieldChiefComplaint:     true,
	FieldInsurancePayer:     true,
	FieldInsuranceID:        true,
	FieldHasReferral:        true,
	FieldReferringPhysician: true,
	FieldAddress:            true,
	FieldPhone:              true,
	FieldEmail:              true,
}

// ParseField maps free-form tool input ("Date of Birth", "dob") onto a Field.
func ParseField(raw string) (Field, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "dob", "birthdate", "birth_date":
		key = string(FieldDateOfBirth)
	case "full_name", "patient_name":
		key = string(FieldName)
	case "phone_number":
		key = string(FieldPhone)
	case "complaint", "reason", "reason_for_visit":
		key = string(FieldChiefComplaint)
	case "insurance", "payer":
		key = string(FieldInsurancePayer)
	case "member_id", "insurance_member_id":
		key = string(FieldInsuranceID)
	case "referral":
		key = string(FieldHasReferral)
	case "referring_doctor":
		key = string(FieldReferringPhysician)
	}
	f := Field(key)
	return f, knownFields[f]
}

// Record is the confirmed, call-scoped patient intake. It is never written to
// durable storage.
type Record struct {
	Name               string `json:"name"`
	DateOfBirth        string `json:"date_of_birth"`
	ChiefComplaint     string `json:"chief_complaint"`
	InsurancePayer     string `json:"insurance_payer"`
	InsuranceID        string `json:"insurance_id"`
	HasReferral        bool   `json:"has_referral"`
	ReferringPhysician string `json:"referring_physician,omitempty"`
	AddressInput       string `json:"address_input,omitempty"`
	Address            string `json:"address"`
	Phone              string `json:"phone"`
	Email              string `json:"email,omitempty"`
	Urgent             bool   `json:"urgent"`
}

// ReferralDetails renders the referral fields for prompts and emails.
func (r Record) ReferralDetails() string {
	if !r.HasReferral {
		return "No referral"
	}
	if r.ReferringPhysician == "" {
		return "Referred (physician not provided)"
	}
	return "Referred by " + r.ReferringPhysician
}

var urgentKeywords = []string{"pain", "severe", "urgent", "bleeding", "emergency"}

// IsUrgentComplaint reports whether a chief complaint mentions symptoms that
// should be scheduled at the earliest availability.
func IsUrgentComplaint(complaint string) bool {
	lower := strings.ToLower(complaint)
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ParseAffirmation interprets a caller's yes/no answer. ok is false when the
// text is neither.
func ParseAffirmation(text string) (yes bool, ok bool) {
	v := strings.ToLower(strings.TrimSpace(text))
	v = strings.Trim(v, ".!? ")
	switch v {
	case "yes", "y", "yeah", "yep", "yup", "true", "1", "correct", "confirmed", "confirm",
		"that's right", "thats right", "right", "sure", "affirmative":
		return true, true
	case "no", "n", "nope", "false", "0", "incorrect", "wrong", "not right", "negative":
		return false, true
	}
	return false, false
}
