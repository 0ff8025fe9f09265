package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-intake-agent/internal/calls"
	"github.com/wolfman30/voice-intake-agent/internal/geocode"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// Monday morning; "Today" slots are still open.
var testNow = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	requests  []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return llm.Response{}, err
		}
	}
	if len(s.responses) == 0 {
		return llm.Response{Text: "Okay."}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func toolCall(id, name string, args any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Name: name, Arguments: string(raw)}
}

type stubGeocoder struct {
	suggestions map[string]geocode.Suggestion
}

func (g *stubGeocoder) Suggest(_ context.Context, q geocode.Query) geocode.Suggestion {
	raw := q.Raw()
	if s, ok := g.suggestions[raw]; ok {
		return s
	}
	return geocode.Suggestion{Original: raw, Formatted: raw}
}

type stubNotifier struct {
	mu       sync.Mutex
	err      error
	bookings []scheduling.Booking
}

func (n *stubNotifier) NotifyBooking(_ context.Context, b scheduling.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bookings = append(n.bookings, b)
	return n.err
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bookings)
}

func testConfig(client llm.Client, notifier scheduling.Notifier) Config {
	return Config{
		LLM:      client,
		Notifier: notifier,
		Geocoder: &stubGeocoder{suggestions: map[string]geocode.Suggestion{
			"123 Main St, Springfield": {
				Original:  "123 Main St, Springfield",
				Formatted: "123 Main Street, Springfield, IL 62701",
				Found:     true,
				Tier:      1,
			},
			"456 Oak Ave, Springfield": {
				Original:  "456 Oak Ave, Springfield",
				Formatted: "456 Oak Avenue, Springfield, IL 62704",
				Found:     true,
				Tier:      1,
			},
		}},
		Now:    func() time.Time { return testNow },
		Logger: logging.Discard(),
	}
}

func newTestSession(client llm.Client, notifier scheduling.Notifier) *Session {
	return newSession("call-1", "call-room-1", "+14155552671", testConfig(client, notifier))
}

func invoke(t *testing.T, s *Session, name string, args any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	out, _, err := s.InvokeTool(context.Background(), name, string(raw))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	return result
}

func storeAndConfirm(t *testing.T, s *Session, field, value string) {
	t.Helper()
	res := invoke(t, s, ToolStoreField, map[string]string{"field": field, "value": value})
	require.Equal(t, true, res["stored"], "store %s: %v", field, res)
	res = invoke(t, s, ToolConfirmField, map[string]any{"field": field, "confirmed": true})
	require.Equal(t, true, res["confirmed"], "confirm %s: %v", field, res)
}

func confirm(t *testing.T, s *Session, field string) {
	t.Helper()
	res := invoke(t, s, ToolConfirmField, map[string]any{"field": field, "confirmed": true})
	require.Equal(t, true, res["confirmed"], "confirm %s: %v", field, res)
}

func completeIntake(t *testing.T, s *Session) {
	t.Helper()
	storeAndConfirm(t, s, "name", "Jane Doe")

	res := invoke(t, s, ToolValidateDOB, map[string]string{"date_of_birth": "March 4, 1985"})
	require.Equal(t, true, res["valid"])
	require.Equal(t, "March 4th, 1985", res["read_back"])
	confirm(t, s, "date_of_birth")

	storeAndConfirm(t, s, "chief_complaint", "annual physical")
	storeAndConfirm(t, s, "insurance_payer", "Aetna")
	storeAndConfirm(t, s, "insurance_id", "W123456789")
	storeAndConfirm(t, s, "has_referral", "no")

	res = invoke(t, s, ToolValidateAddr, map[string]string{"address": "123 Main St, Springfield"})
	require.Equal(t, "123 Main Street, Springfield, IL 62701", res["suggested_address"])
	confirm(t, s, "address")

	res = invoke(t, s, ToolValidatePhone, map[string]string{"phone": "415-555-2671"})
	require.Equal(t, true, res["valid"])
	require.Equal(t, "(415) 555-2671", res["normalized"])
	confirm(t, s, "phone")

	res = invoke(t, s, ToolCheckComplete, map[string]any{})
	require.Equal(t, true, res["complete"], "intake should be complete: %v", res)
	require.Equal(t, StageScheduling, s.Stage())
}

func TestAddressSuggestionConfirmed(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	res := invoke(t, s, ToolValidateAddr, map[string]string{"address": "123 Main St, Springfield"})
	assert.Equal(t, true, res["found"])
	assert.Equal(t, "123 Main St, Springfield", res["original"])
	assert.Equal(t, "123 Main Street, Springfield, IL 62701", res["read_back"])

	assert.Empty(t, s.Record().Address, "suggestion must not be final before confirmation")
	confirm(t, s, "address")

	rec := s.Record()
	assert.Equal(t, "123 Main Street, Springfield, IL 62701", rec.Address)
	assert.Equal(t, "123 Main St, Springfield", rec.AddressInput)
}

func TestAddressRejectedClearsAndReprompts(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	invoke(t, s, ToolValidateAddr, map[string]string{"address": "123 Main St, Springfield"})

	res := invoke(t, s, ToolConfirmField, map[string]any{"field": "address", "confirmed": false})
	assert.Equal(t, false, res["confirmed"])
	assert.Contains(t, res["message"], "again")
	assert.Empty(t, s.Record().Address)
	assert.False(t, s.collector.Pending("address"))

	res = invoke(t, s, ToolCheckComplete, map[string]any{})
	assert.Contains(t, res["missing"], "address")
}

func TestAddressReplacementBecomesNewProposal(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	invoke(t, s, ToolValidateAddr, map[string]string{"address": "123 Main St, Springfield"})

	res := invoke(t, s, ToolConfirmField, map[string]any{
		"field":       "address",
		"confirmed":   false,
		"replacement": "456 Oak Ave, Springfield",
	})
	assert.Equal(t, "456 Oak Avenue, Springfield, IL 62704", res["suggested_address"])
	assert.True(t, s.collector.Pending("address"))

	confirm(t, s, "address")
	assert.Equal(t, "456 Oak Avenue, Springfield, IL 62704", s.Record().Address)
}

func TestUnverifiedAddressStillSuggested(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	res := invoke(t, s, ToolValidateAddr, map[string]string{"street": "9 Nowhere Rd", "city": "Faketown", "state": "ca"})
	assert.Equal(t, false, res["found"])
	assert.NotEmpty(t, res["suggested_address"])
	assert.Contains(t, res["instruction"], "could not be verified")
}

func TestValidatePhoneAndDOBRejections(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})

	res := invoke(t, s, ToolValidatePhone, map[string]string{"phone": "12345"})
	assert.Equal(t, false, res["valid"])
	assert.Contains(t, res["message"], "area code")

	res = invoke(t, s, ToolValidateDOB, map[string]string{"date_of_birth": "March 4, 2099"})
	assert.Equal(t, false, res["valid"])
	assert.Contains(t, res["message"], "future")

	res = invoke(t, s, ToolValidateDOB, map[string]int{"month": 3, "day": 4, "year": 1985})
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, "03-04-1985", res["normalized"])
}

func TestReferralRequiresPhysician(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	storeAndConfirm(t, s, "has_referral", "yes")
	res := invoke(t, s, ToolCheckComplete, map[string]any{})
	assert.Contains(t, res["missing"], "referring physician")
}

func TestToolsAreScopedToStage(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	res := invoke(t, s, ToolOffer, map[string]string{})
	assert.Contains(t, res["error"], "not available during intake")

	_, _, err := s.InvokeTool(context.Background(), "transfer_call", "{}")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestOfferNeverExceedsTwoAndSkipsBooked(t *testing.T) {
	notifier := &stubNotifier{}
	s := newTestSession(nil, notifier)
	completeIntake(t, s)

	for i := 0; i < 10; i++ {
		res := invoke(t, s, ToolOffer, map[string]string{"preference": "tomorrow"})
		slots, _ := res["slots"].([]any)
		require.LessOrEqual(t, len(slots), scheduling.MaxOffered)
	}

	res := invoke(t, s, ToolSelect, map[string]string{"slot_id": "smith-tomorrow-1000"})
	require.Equal(t, true, res["selected"])
	res = invoke(t, s, ToolBook, map[string]bool{"confirmed": true})
	require.Equal(t, true, res["booked"])

	for i := 0; i < 20; i++ {
		offer := s.presenter.Offer("")
		for _, slot := range offer.Slots {
			require.NotEqual(t, "smith-tomorrow-1000", slot.ID, "booked slot re-offered")
		}
	}
}

func TestSarahSmithTodayBooking(t *testing.T) {
	notifier := &stubNotifier{}
	s := newTestSession(nil, notifier)
	completeIntake(t, s)

	res := invoke(t, s, ToolSelect, map[string]string{"doctor": "Dr. Sarah Smith", "time": "Today 3:30 PM"})
	require.Equal(t, true, res["selected"], "%v", res)
	assert.Equal(t, 0, notifier.count(), "selection alone must not book")

	res = invoke(t, s, ToolBook, map[string]bool{"confirmed": true})
	require.Equal(t, true, res["booked"], "%v", res)
	assert.Equal(t, "Dr. Sarah Smith", res["doctor"])
	assert.Equal(t, "Today at 3:30 PM", res["when"])

	require.Equal(t, 1, notifier.count())
	booking := notifier.bookings[0]
	assert.Equal(t, "smith-today-1530", booking.Slot.ID)
	assert.Equal(t, "Jane Doe", booking.Patient.Name)
	assert.Equal(t, StageBooked, s.Stage())
	assert.Equal(t, calls.OutcomeBooked, s.Outcome())
	assert.True(t, s.presenter.IsBooked("smith-today-1530"))

	res = invoke(t, s, ToolOffer, map[string]string{})
	assert.Contains(t, res["error"], "not available during booked")
}

func TestBookingEmailFailureIsReported(t *testing.T) {
	notifier := &stubNotifier{err: errors.New("smtp unavailable")}
	s := newTestSession(nil, notifier)
	completeIntake(t, s)

	invoke(t, s, ToolSelect, map[string]string{"doctor": "Dr. Sarah Smith", "time": "Today 3:30 PM"})
	res := invoke(t, s, ToolBook, map[string]bool{"confirmed": true})
	assert.Equal(t, false, res["booked"])
	assert.Contains(t, res["message"], "did not go through")
	assert.Equal(t, calls.OutcomeBookingFailed, s.Outcome())
	assert.Equal(t, StageScheduling, s.Stage())

	for i := 0; i < 10; i++ {
		for _, slot := range s.presenter.Offer("today").Slots {
			require.NotEqual(t, "smith-today-1530", slot.ID, "failed slot must stay withheld")
		}
	}

	notifier.err = nil
	res = invoke(t, s, ToolBook, map[string]bool{"confirmed": true})
	assert.Equal(t, true, res["booked"], "retry should succeed: %v", res)
	assert.Equal(t, calls.OutcomeBooked, s.Outcome())
}

func TestBookDeclinedClearsSelection(t *testing.T) {
	notifier := &stubNotifier{}
	s := newTestSession(nil, notifier)
	completeIntake(t, s)

	invoke(t, s, ToolSelect, map[string]string{"slot_id": "chen-tomorrow-1130"})
	res := invoke(t, s, ToolBook, map[string]bool{"confirmed": false})
	assert.Equal(t, false, res["booked"])

	res = invoke(t, s, ToolBook, map[string]bool{"confirmed": true})
	assert.Equal(t, false, res["booked"])
	assert.Contains(t, res["message"], "No slot is selected")
	assert.Equal(t, 0, notifier.count())
}

func TestHandleTurnBooksOnlyAfterCallerConfirms(t *testing.T) {
	notifier := &stubNotifier{}
	client := &scriptedLLM{}
	s := newTestSession(client, notifier)
	completeIntake(t, s)
	s.toolMode = false

	client.responses = []llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", ToolSelect, map[string]string{"slot_id": "smith-today-1530"}),
			toolCall("c2", ToolBook, map[string]bool{"confirmed": true}),
		}},
		{Text: "Just to confirm, Dr. Sarah Smith today at three thirty?"},
	}
	res, err := s.HandleTurn(context.Background(), "Dr. Smith today at 3:30 please", false)
	require.NoError(t, err)
	assert.Equal(t, "Just to confirm, Dr. Sarah Smith today at three thirty?", res.Reply)
	assert.Equal(t, 0, notifier.count(), "must not book in the turn that selected the slot")

	var blocked bool
	for _, msg := range s.history {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "c2" {
			blocked = strings.Contains(msg.Content, "not confirmed yet")
		}
	}
	assert.True(t, blocked, "book result should ask for confirmation")

	client.responses = []llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c3", ToolBook, map[string]bool{"confirmed": true})}},
		{Text: "You're all set."},
	}
	res, err = s.HandleTurn(context.Background(), "yes", false)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, StageBooked, res.Stage)
}

func TestHandleTurnLLMFailureApologizes(t *testing.T) {
	client := &scriptedLLM{errs: []error{errors.New("rate limited")}}
	s := newTestSession(client, &stubNotifier{})
	res, err := s.HandleTurn(context.Background(), "hello", false)
	require.NoError(t, err)
	assert.Equal(t, apologyReply, res.Reply)
	assert.False(t, res.EndCall)
}

func TestHandleTurnEndCall(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", ToolEndCall, map[string]any{})}},
	}}
	s := newTestSession(client, &stubNotifier{})
	res, err := s.HandleTurn(context.Background(), "that's all, bye", false)
	require.NoError(t, err)
	assert.True(t, res.EndCall)
	assert.Equal(t, goodbyeReply, res.Reply)
	assert.Len(t, client.requests, 1, "end_call stops the tool loop")
}

func TestHandleTurnStopsAfterMaxRounds(t *testing.T) {
	client := &scriptedLLM{}
	for i := 0; i < maxToolRounds+2; i++ {
		client.responses = append(client.responses, llm.Response{
			ToolCalls: []llm.ToolCall{toolCall("c", ToolCheckComplete, map[string]any{})},
		})
	}
	s := newTestSession(client, &stubNotifier{})
	res, err := s.HandleTurn(context.Background(), "hi", false)
	require.NoError(t, err)
	assert.Equal(t, notHeardReply, res.Reply)
	assert.Len(t, client.requests, maxToolRounds)
}

func TestHandleTurnResumeRegeneratesLastReply(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{{Text: "First answer."}, {Text: "Second answer."}}}
	s := newTestSession(client, &stubNotifier{})
	_, err := s.HandleTurn(context.Background(), "hello", false)
	require.NoError(t, err)

	res, err := s.HandleTurn(context.Background(), "", true)
	require.NoError(t, err)
	assert.Equal(t, "Second answer.", res.Reply)

	last := client.requests[len(client.requests)-1]
	require.NotEmpty(t, last.Messages)
	assert.Equal(t, llm.RoleUser, last.Messages[len(last.Messages)-1].Role, "interrupted reply should be dropped")
}

func TestStartFallsBackToStaticGreeting(t *testing.T) {
	client := &scriptedLLM{errs: []error{errors.New("down")}}
	s := newTestSession(client, &stubNotifier{})
	res := s.Start(context.Background())
	assert.Contains(t, res.Reply, "Sarah")
	assert.Contains(t, res.Reply, "Bay Area Health")
	assert.Equal(t, StageIntake, res.Stage)
}

func TestSchedulingPromptCarriesUrgencyAndReferral(t *testing.T) {
	s := newTestSession(nil, &stubNotifier{})
	storeAndConfirm(t, s, "chief_complaint", "severe chest pain")
	storeAndConfirm(t, s, "has_referral", "yes")
	storeAndConfirm(t, s, "referring_physician", "Dr. Patel")
	s.record = s.collector.Record()
	s.stage = StageScheduling

	prompts, tools := s.Instructions()
	joined := strings.Join(prompts, "\n")
	assert.Contains(t, joined, "earliest available")
	assert.Contains(t, joined, "Dr. Patel")
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolOffer, ToolSelect, ToolBook, ToolEndCall}, names)
}

func TestStageMarshalsAsText(t *testing.T) {
	data, err := json.Marshal(TurnResult{Stage: StageScheduling})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"scheduling"`)

	var back TurnResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StageScheduling, back.Stage)

	var st Stage
	assert.Error(t, st.UnmarshalText([]byte("paused")))
}
