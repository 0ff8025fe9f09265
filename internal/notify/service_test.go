package notify

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/voice-intake-agent/internal/intake"
	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

type mockEmailSender struct {
	mu     sync.Mutex
	sent   []EmailMessage
	failOn string
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && msg.To == m.failOn {
		return errors.New("mock email error")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockEmailSender) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.To)
	}
	sort.Strings(out)
	return out
}

func (m *mockEmailSender) sentTo(addr string) (EmailMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.sent {
		if msg.To == addr {
			return msg, true
		}
	}
	return EmailMessage{}, false
}

type mockRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (m *mockRecorder) ObserveEmail(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func testBooking() scheduling.Booking {
	return scheduling.Booking{
		ID: "bk-1",
		Slot: scheduling.Slot{
			ID:        "smith-today-1530",
			Provider:  "Dr. Sarah Smith",
			Specialty: "Family Medicine",
			Day:       "Today",
			Time:      "3:30 PM",
		},
		Patient: intake.Record{
			Name:               "Jane <b>Doe</b>",
			DateOfBirth:        "03-04-1985",
			ChiefComplaint:     "severe back pain",
			InsurancePayer:     "Aetna",
			InsuranceID:        "W123",
			HasReferral:        true,
			ReferringPhysician: "Dr. Patel",
			Address:            "123 Main Street, Springfield, IL 62701",
			Phone:              "(415) 555-2671",
			Email:              "jane@example.com",
			Urgent:             true,
		},
		Date: time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC),
	}
}

func TestNotifyBookingSendsToStaffAndPatient(t *testing.T) {
	sender := &mockEmailSender{}
	rec := &mockRecorder{}
	svc := NewService(sender, ServiceConfig{
		ClinicName:      "Bay Area Health",
		StaffRecipients: []string{"front@clinic.test", "FRONT@clinic.test", "ops@clinic.test"},
		EmailPatient:    true,
	}, rec, logging.Discard())

	if err := svc.NotifyBooking(context.Background(), testBooking()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := sender.recipients()
	want := []string{"front@clinic.test", "jane@example.com", "ops@clinic.test"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	if len(rec.statuses) != 3 {
		t.Fatalf("expected 3 observations, got %v", rec.statuses)
	}
	msg := sender.sent[0]
	if msg.Subject != "Appointment Confirmation - Jane <b>Doe</b>" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
}

func TestNotifyBookingFailureFailsWhole(t *testing.T) {
	sender := &mockEmailSender{failOn: "ops@clinic.test"}
	rec := &mockRecorder{}
	svc := NewService(sender, ServiceConfig{
		StaffRecipients: []string{"front@clinic.test", "ops@clinic.test"},
	}, rec, logging.Discard())

	if err := svc.NotifyBooking(context.Background(), testBooking()); err == nil {
		t.Fatal("expected failure when one recipient fails")
	}
	failed := 0
	for _, s := range rec.statuses {
		if s == "failed" {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected one failed observation, got %v", rec.statuses)
	}
}

func TestNotifyBookingWithoutRecipients(t *testing.T) {
	svc := NewService(&mockEmailSender{}, ServiceConfig{EmailPatient: false}, nil, logging.Discard())
	if err := svc.NotifyBooking(context.Background(), testBooking()); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	svc = NewService(nil, ServiceConfig{StaffRecipients: []string{"a@b.test"}}, nil, logging.Discard())
	if err := svc.NotifyBooking(context.Background(), testBooking()); err == nil {
		t.Fatal("expected error without sender")
	}
}

func TestRenderBooking(t *testing.T) {
	msg, err := RenderBooking("Bay Area Health", testBooking())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, section := range []string{"Patient Information", "Appointment Details", "Insurance Information", "Referral Information"} {
		if !strings.Contains(msg.HTML, section) || !strings.Contains(msg.Body, section) {
			t.Fatalf("missing section %q", section)
		}
	}
	if strings.Contains(msg.HTML, "<b>Doe</b>") {
		t.Fatalf("caller input must be escaped in HTML")
	}
	if !strings.Contains(msg.HTML, "Monday, March 9, 2026") {
		t.Fatalf("expected resolved date in HTML")
	}
	if !strings.Contains(msg.Body, "Referred by Dr. Patel") {
		t.Fatalf("expected referral details in text body")
	}
	if !strings.Contains(msg.Body, "URGENT") {
		t.Fatalf("expected urgent banner")
	}
}

func TestNotifyBookingTagsAndReplyTo(t *testing.T) {
	sender := &mockEmailSender{}
	svc := NewService(sender, ServiceConfig{
		StaffRecipients: []string{" front@clinic.test ", "ops@clinic.test"},
		EmailPatient:    true,
	}, nil, logging.Discard())

	if err := svc.NotifyBooking(context.Background(), testBooking()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	staff, ok := sender.sentTo("ops@clinic.test")
	if !ok {
		t.Fatalf("staff message not sent")
	}
	if staff.ReplyTo != "jane@example.com" {
		t.Fatalf("staff reply-to = %q, want the patient", staff.ReplyTo)
	}
	if staff.Category != CategoryBookingConfirmation || staff.Reference != "bk-1" {
		t.Fatalf("unexpected tags %q %q", staff.Category, staff.Reference)
	}

	patient, ok := sender.sentTo("jane@example.com")
	if !ok {
		t.Fatalf("patient message not sent")
	}
	if patient.ReplyTo != "front@clinic.test" || patient.ToName != "Jane <b>Doe</b>" {
		t.Fatalf("unexpected patient message %+v", patient)
	}
}

type failingSender struct{ err error }

func (f failingSender) Send(context.Context, EmailMessage) error { return f.err }

func TestNotifyBookingKeepsProviderError(t *testing.T) {
	providerErr := &SendError{Provider: "sendgrid", Status: 429, Err: errors.New("rate limited")}
	svc := NewService(failingSender{err: providerErr}, ServiceConfig{StaffRecipients: []string{"a@b.test"}}, nil, logging.Discard())

	err := svc.NotifyBooking(context.Background(), testBooking())
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected SendError in chain, got %v", err)
	}
	if !se.Throttled() {
		t.Fatalf("expected throttled error")
	}
	if provider, status := providerOf(err); provider != "sendgrid" || status != 429 {
		t.Fatalf("providerOf = %s %d", provider, status)
	}
	if provider, _ := providerOf(errors.New("plain")); provider != "unknown" {
		t.Fatalf("expected unknown provider, got %s", provider)
	}
}
