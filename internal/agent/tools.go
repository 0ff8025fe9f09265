package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/voice-intake-agent/internal/calls"
	"github.com/wolfman30/voice-intake-agent/internal/geocode"
	"github.com/wolfman30/voice-intake-agent/internal/intake"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
)

const (
	ToolStoreField    = "store_patient_field"
	ToolConfirmField  = "confirm_patient_field"
	ToolValidateAddr  = "validate_address"
	ToolValidatePhone = "validate_phone"
	ToolValidateDOB   = "validate_dob"
	ToolCheckComplete = "check_completion"
	ToolOffer         = "offer_appointments"
	ToolSelect        = "select_appointment"
	ToolBook          = "book_appointment"
	ToolEndCall       = "end_call"
)

// Tool statuses reported to metrics.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusInvalid  = "invalid"
	statusFailed   = "failed"
)

type toolResult map[string]any

type toolHandler func(s *Session, ctx context.Context, args string) (toolResult, string)

var toolHandlers = map[string]toolHandler{
	ToolStoreField:    (*Session).toolStoreField,
	ToolConfirmField:  (*Session).toolConfirmField,
	ToolValidateAddr:  (*Session).toolValidateAddress,
	ToolValidatePhone: (*Session).toolValidatePhone,
	ToolValidateDOB:   (*Session).toolValidateDOB,
	ToolCheckComplete: (*Session).toolCheckCompletion,
	ToolOffer:         (*Session).toolOffer,
	ToolSelect:        (*Session).toolSelect,
	ToolBook:          (*Session).toolBook,
	ToolEndCall:       (*Session).toolEndCall,
}

var stageTools = map[Stage][]string{
	StageIntake:     {ToolStoreField, ToolConfirmField, ToolValidateAddr, ToolValidatePhone, ToolValidateDOB, ToolCheckComplete, ToolEndCall},
	StageScheduling: {ToolOffer, ToolSelect, ToolBook, ToolEndCall},
	StageBooked:     {ToolEndCall},
}

func fieldNames() []string {
	return []string{
		string(intake.FieldName), string(intake.FieldDateOfBirth), string(intake.FieldChiefComplaint),
		string(intake.FieldInsurancePayer), string(intake.FieldInsuranceID), string(intake.FieldHasReferral),
		string(intake.FieldReferringPhysician), string(intake.FieldAddress), string(intake.FieldPhone),
		string(intake.FieldEmail),
	}
}

var toolCatalog = map[string]llm.ToolSpec{
	ToolStoreField: {
		Name:        ToolStoreField,
		Description: "Store a patient's answer as pending. Read the returned read_back to the patient and ask them to confirm it.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"field": {Type: "string", Description: "The intake field", Enum: fieldNames()},
			"value": llm.String("The patient's answer"),
		}, "field", "value"),
	},
	ToolConfirmField: {
		Name:        ToolConfirmField,
		Description: "Record whether the patient confirmed the value read back to them. A rejected value is cleared and must be asked again.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"field":       {Type: "string", Description: "The intake field", Enum: fieldNames()},
			"confirmed":   llm.Boolean("True if the patient said the value is correct"),
			"replacement": llm.String("For address only: a corrected address the patient gave instead of yes or no"),
		}, "field", "confirmed"),
	},
	ToolValidateAddr: {
		Name:        ToolValidateAddr,
		Description: "Look up the patient's address and return a suggested normalized address to read back for confirmation.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"address": llm.String("The address as the patient said it"),
			"street":  llm.String("Street line, if given separately"),
			"unit":    llm.String("Apartment or suite"),
			"city":    llm.String("City"),
			"state":   llm.String("State"),
			"zip":     llm.String("ZIP code"),
		}),
	},
	ToolValidatePhone: {
		Name:        ToolValidatePhone,
		Description: "Validate and normalize a US phone number and store it as pending.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"phone": llm.String("The phone number as the patient said it"),
		}, "phone"),
	},
	ToolValidateDOB: {
		Name:        ToolValidateDOB,
		Description: "Validate and normalize a date of birth and store it as pending. Pass the spoken date, or month, day and year.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"date_of_birth": llm.String("The date as the patient said it"),
			"month":         llm.Integer("Month 1-12"),
			"day":           llm.Integer("Day of month"),
			"year":          llm.Integer("Four digit year"),
		}),
	},
	ToolCheckComplete: {
		Name:        ToolCheckComplete,
		Description: "Check whether every required intake field is confirmed. When complete the call moves on to scheduling.",
		Parameters:  llm.Object(map[string]*llm.Schema{}),
	},
	ToolOffer: {
		Name:        ToolOffer,
		Description: "Get up to two available appointment slots matching the patient's preference.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"preference": llm.String("Preferred day, time of day or doctor, e.g. 'tomorrow morning' or 'Dr. Chen'"),
		}),
	},
	ToolSelect: {
		Name:        ToolSelect,
		Description: "Select the slot the patient picked. Read it back and ask for confirmation before booking.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"slot_id": llm.String("The slot_id returned by offer_appointments"),
			"doctor":  llm.String("Doctor name, if no slot_id"),
			"time":    llm.String("Day and time, if no slot_id"),
		}),
	},
	ToolBook: {
		Name:        ToolBook,
		Description: "Book the selected slot after the patient explicitly confirmed it, and send the confirmation email.",
		Parameters: llm.Object(map[string]*llm.Schema{
			"confirmed": llm.Boolean("True only if the patient clearly said yes to the selected slot"),
		}, "confirmed"),
	},
	ToolEndCall: {
		Name:        ToolEndCall,
		Description: "End the call after saying goodbye. Called when the patient wants to hang up.",
		Parameters:  llm.Object(map[string]*llm.Schema{}),
	},
}

func (s *Session) toolSpecs() []llm.ToolSpec {
	names := stageTools[s.stage]
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, toolCatalog[name])
	}
	return specs
}

// runTool executes a tool and encodes its result for the model. Failures are
// returned as results, never as errors.
func (s *Session) runTool(ctx context.Context, name, args string) string {
	ctx, span := tracer.Start(ctx, "agent.tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("voice.call_id", s.id),
		attribute.String("voice.tool", name),
	)

	var (
		result toolResult
		status string
	)
	handler, ok := toolHandlers[name]
	switch {
	case !ok:
		result, status = toolResult{"error": fmt.Sprintf("unknown tool %q", name)}, statusInvalid
	case !s.toolAllowed(name):
		result, status = toolResult{"error": fmt.Sprintf("%s is not available during %s", name, s.stage)}, statusInvalid
	default:
		result, status = handler(s, ctx, args)
	}
	span.SetAttributes(attribute.String("voice.tool_status", status))
	s.cfg.Metrics.ObserveTool(name, status)
	s.logger.Info("tool invoked", "tool", name, "status", status, "stage", s.stage.String())

	data, err := json.Marshal(result)
	if err != nil {
		span.RecordError(err)
		return `{"error":"internal error"}`
	}
	return string(data)
}

func (s *Session) toolAllowed(name string) bool {
	for _, allowed := range stageTools[s.stage] {
		if allowed == name {
			return true
		}
	}
	return false
}

func decodeArgs(raw string, v any) error {
	if err := llm.DecodeArguments(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func invalidArgs(err error) (toolResult, string) {
	return toolResult{"error": err.Error()}, statusInvalid
}

func proposalResult(p intake.Proposal) toolResult {
	return toolResult{
		"stored":      true,
		"pending":     true,
		"field":       p.Field,
		"value":       p.Value,
		"read_back":   p.ReadBack,
		"instruction": "Read the value back to the patient and ask if it is correct.",
	}
}

func (s *Session) toolStoreField(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	field, ok := intake.ParseField(args.Field)
	if !ok {
		return toolResult{"stored": false, "message": fmt.Sprintf("unknown field %q", args.Field)}, statusInvalid
	}
	if field == intake.FieldAddress {
		return s.proposeAddress(ctx, geocode.Query{Text: args.Value})
	}
	proposal, err := s.collector.Propose(field, args.Value)
	if err != nil {
		return toolResult{"stored": false, "field": field, "message": inputMessage(field, err)}, statusRejected
	}
	return proposalResult(proposal), statusOK
}

func (s *Session) toolConfirmField(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Field       string `json:"field"`
		Confirmed   bool   `json:"confirmed"`
		Replacement string `json:"replacement"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	field, ok := intake.ParseField(args.Field)
	if !ok {
		return toolResult{"message": fmt.Sprintf("unknown field %q", args.Field)}, statusInvalid
	}
	if field == intake.FieldAddress && !args.Confirmed && strings.TrimSpace(args.Replacement) != "" {
		return s.proposeAddress(ctx, geocode.Query{Text: args.Replacement})
	}
	confirmation, err := s.collector.Confirm(field, args.Confirmed)
	if err != nil {
		return toolResult{"confirmed": false, "field": field, "message": "There is no pending value for that field. Ask the patient for it first."}, statusInvalid
	}
	result := toolResult{
		"field":     confirmation.Field,
		"confirmed": confirmation.Confirmed,
		"message":   confirmation.Message,
	}
	if !confirmation.Confirmed {
		return result, statusRejected
	}
	if missing := s.collector.Missing(); len(missing) > 0 {
		result["next_field"] = missing[0]
	}
	return result, statusOK
}

func (s *Session) toolValidateAddress(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Address string `json:"address"`
		Street  string `json:"street"`
		Unit    string `json:"unit"`
		City    string `json:"city"`
		State   string `json:"state"`
		Zip     string `json:"zip"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	return s.proposeAddress(ctx, geocode.Query{
		Text:   args.Address,
		Street: args.Street,
		Unit:   args.Unit,
		City:   args.City,
		State:  args.State,
		Zip:    args.Zip,
	})
}

func (s *Session) proposeAddress(ctx context.Context, q geocode.Query) (toolResult, string) {
	input := strings.TrimSpace(q.Raw())
	if input == "" {
		return toolResult{"valid": false, "message": "Ask the patient for their street address, city, state and ZIP code."}, statusRejected
	}
	suggestion := geocode.Suggestion{Original: input, Formatted: input}
	if s.cfg.Geocoder != nil {
		suggestion = s.cfg.Geocoder.Suggest(ctx, q)
	}
	proposal := s.collector.ProposeAddress(suggestion.Original, suggestion.Formatted, suggestion.Found)
	result := proposalResult(proposal)
	result["valid"] = true
	result["suggested_address"] = proposal.Value
	result["original"] = suggestion.Original
	result["found"] = suggestion.Found
	if !suggestion.Found {
		result["instruction"] = "The address could not be verified. Read it back as the patient said it and ask them to confirm or correct it."
	}
	return result, statusOK
}

func (s *Session) toolValidatePhone(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Phone string `json:"phone"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	proposal, err := s.collector.Propose(intake.FieldPhone, args.Phone)
	if err != nil {
		return toolResult{"valid": false, "message": inputMessage(intake.FieldPhone, err)}, statusRejected
	}
	result := proposalResult(proposal)
	result["valid"] = true
	result["normalized"] = proposal.Value
	return result, statusOK
}

func (s *Session) toolValidateDOB(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		DateOfBirth string `json:"date_of_birth"`
		Month       int    `json:"month"`
		Day         int    `json:"day"`
		Year        int    `json:"year"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	value := args.DateOfBirth
	if strings.TrimSpace(value) == "" && args.Month > 0 {
		dob, err := intake.ValidateDOBParts(args.Month, args.Day, args.Year, s.cfg.Now().In(s.cfg.Location))
		if err != nil {
			return toolResult{"valid": false, "message": intake.DOBMessage(err)}, statusRejected
		}
		value = dob.Formatted
	}
	proposal, err := s.collector.Propose(intake.FieldDateOfBirth, value)
	if err != nil {
		return toolResult{"valid": false, "message": inputMessage(intake.FieldDateOfBirth, err)}, statusRejected
	}
	result := proposalResult(proposal)
	result["valid"] = true
	result["normalized"] = proposal.Value
	return result, statusOK
}

func (s *Session) toolCheckCompletion(ctx context.Context, raw string) (toolResult, string) {
	record, missing := s.collector.Complete()
	if len(missing) > 0 {
		labels := make([]string, 0, len(missing))
		for _, f := range missing {
			labels = append(labels, intake.FieldLabel(f))
		}
		return toolResult{
			"complete":   false,
			"missing":    labels,
			"next_field": missing[0],
		}, statusOK
	}
	s.record = record
	s.stage = StageScheduling
	s.logger.Info("intake complete", "urgent", record.Urgent, "has_referral", record.HasReferral)
	return toolResult{
		"complete":    true,
		"urgent":      record.Urgent,
		"instruction": "Intake is complete. Ask the patient which day or time they prefer and call offer_appointments.",
	}, statusOK
}

type slotView struct {
	ID        string `json:"slot_id"`
	Doctor    string `json:"doctor"`
	Specialty string `json:"specialty"`
	When      string `json:"when"`
}

func viewOf(slot scheduling.Slot) slotView {
	return slotView{ID: slot.ID, Doctor: slot.Provider, Specialty: slot.Specialty, When: slot.When()}
}

func (s *Session) toolOffer(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Preference string `json:"preference"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	pref := args.Preference
	if strings.TrimSpace(pref) == "" && s.record.Urgent {
		pref = "earliest"
	}
	offer := s.presenter.Offer(pref)
	if len(offer.Slots) == 0 {
		return toolResult{
			"slots":   []slotView{},
			"message": "There are no open appointments left. Apologize and offer to have the clinic call the patient back.",
		}, statusOK
	}
	views := make([]slotView, 0, len(offer.Slots))
	for _, slot := range offer.Slots {
		views = append(views, viewOf(slot))
	}
	result := toolResult{"slots": views, "exact_match": offer.ExactMatch}
	if !offer.ExactMatch {
		result["message"] = "Nothing matched that preference. These are the earliest available instead."
	}
	return result, statusOK
}

func (s *Session) toolSelect(ctx context.Context, raw string) (toolResult, string) {
	var ref scheduling.SlotRef
	if err := decodeArgs(raw, &ref); err != nil {
		return invalidArgs(err)
	}
	slot, err := s.presenter.Select(ref)
	if err != nil {
		return toolResult{"selected": false, "message": selectionMessage(err)}, statusRejected
	}
	s.selectedTurn = s.turns
	return toolResult{
		"selected":    true,
		"slot":        viewOf(slot),
		"instruction": fmt.Sprintf("Ask the patient to confirm: %s. Do not book until they say yes.", slot.Label()),
	}, statusOK
}

func (s *Session) toolBook(ctx context.Context, raw string) (toolResult, string) {
	var args struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return invalidArgs(err)
	}
	pending, ok := s.presenter.Pending()
	if !ok {
		return toolResult{"booked": false, "message": "No slot is selected. Offer appointments and have the patient pick one first."}, statusInvalid
	}
	if !args.Confirmed {
		s.presenter.ClearSelection()
		return toolResult{"booked": false, "message": "Selection cleared. Ask what would work better and offer other times."}, statusRejected
	}
	// In turn mode the patient must have answered the read-back in a later
	// turn than the one that selected the slot.
	if !s.toolMode && s.turns <= s.selectedTurn {
		return toolResult{
			"booked":  false,
			"message": fmt.Sprintf("The patient has not confirmed yet. Ask them to confirm %s first.", pending.Label()),
		}, statusInvalid
	}

	booking, err := s.booker.Book(ctx, s.record)
	if err != nil {
		s.outcome = calls.OutcomeBookingFailed
		s.logger.Error("booking failed", "error", err, "slot_id", pending.ID)
		if errors.Is(err, scheduling.ErrConfirmationFailed) {
			return toolResult{
				"booked":  false,
				"message": "The booking did not complete because the confirmation email could not be sent. Tell the patient the booking did not go through and offer to try again.",
			}, statusFailed
		}
		return toolResult{"booked": false, "message": "The booking did not complete. Tell the patient and offer to try again."}, statusFailed
	}
	s.booking = &booking
	s.outcome = calls.OutcomeBooked
	s.stage = StageBooked
	s.logger.Info("appointment booked", "booking_id", booking.ID, "slot_id", booking.Slot.ID)
	return toolResult{
		"booked":            true,
		"booking_id":        booking.ID,
		"doctor":            booking.Slot.Provider,
		"when":              booking.Slot.When(),
		"confirmation_sent": true,
	}, statusOK
}

func (s *Session) toolEndCall(ctx context.Context, raw string) (toolResult, string) {
	s.endRequested = true
	return toolResult{"ending": true, "instruction": "Say a brief goodbye. The call will end after you finish speaking."}, statusOK
}

func inputMessage(field intake.Field, err error) string {
	switch {
	case errors.Is(err, intake.ErrInvalidPhone):
		return "That doesn't look like a valid US phone number. Ask the patient to repeat it with the area code."
	case field == intake.FieldDateOfBirth:
		return intake.DOBMessage(err)
	case errors.Is(err, intake.ErrInvalidEmail):
		return "That email address doesn't look right. Ask the patient to spell it out."
	case errors.Is(err, intake.ErrInvalidReferral):
		return "Ask the patient whether they have a referral, yes or no."
	case errors.Is(err, intake.ErrEmptyValue):
		return fmt.Sprintf("No answer was given. Ask the patient for their %s.", intake.FieldLabel(field))
	default:
		return err.Error()
	}
}

func selectionMessage(err error) string {
	switch {
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		return "That slot is no longer available. Offer other times."
	case errors.Is(err, scheduling.ErrAmbiguousSlot):
		return "That matches more than one slot. Ask the patient which doctor and time they mean."
	default:
		return "That slot was not found. Offer appointments again and use a slot_id from the results."
	}
}
