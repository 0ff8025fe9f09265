package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// ErrNoRecipients is returned when a booking has nobody to notify.
var ErrNoRecipients = errors.New("notify: no recipients for booking confirmation")

// SendRecorder observes each email send attempt.
type SendRecorder interface {
	ObserveEmail(status string, elapsed time.Duration)
}

// ServiceConfig controls who receives booking confirmations.
type ServiceConfig struct {
	ClinicName string
	// StaffRecipients always receive the confirmation.
	StaffRecipients []string
	// EmailPatient also sends the confirmation to the patient's email when
	// one was collected.
	EmailPatient bool
	Timeout      time.Duration
}

// Service sends booking confirmation emails. It satisfies
// scheduling.Notifier.
type Service struct {
	email    EmailSender
	cfg      ServiceConfig
	recorder SendRecorder
	logger   *logging.Logger
}

// NewService creates a notification service.
func NewService(email EmailSender, cfg ServiceConfig, recorder SendRecorder, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ClinicName == "" {
		cfg.ClinicName = "the clinic"
	}
	return &Service{email: email, cfg: cfg, recorder: recorder, logger: logger}
}

// NotifyBooking sends the confirmation to every recipient concurrently and
// returns once all sends have finished. Any failure fails the whole
// notification; there are no retries.
func (s *Service) NotifyBooking(ctx context.Context, booking scheduling.Booking) error {
	if s.email == nil {
		return fmt.Errorf("notify: email sender not configured")
	}
	recipients := s.recipients(booking)
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	msg, err := RenderBooking(s.cfg.ClinicName, booking)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	msg.Category = CategoryBookingConfirmation
	msg.Reference = booking.ID

	g, gctx := errgroup.WithContext(ctx)
	for _, to := range recipients {
		m := msg
		m.To = to.email
		m.ToName = to.name
		m.ReplyTo = to.replyTo
		g.Go(func() error {
			start := time.Now()
			err := s.email.Send(gctx, m)
			s.observe(err, time.Since(start))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		provider, status := providerOf(err)
		s.logger.Error("booking confirmation failed", "booking_id", booking.ID, "provider", provider, "status", status, "error", err)
		return fmt.Errorf("notify: booking confirmation: %w", err)
	}
	s.logger.Info("booking confirmation sent", "booking_id", booking.ID, "recipients", len(recipients))
	return nil
}

type recipient struct {
	email   string
	name    string
	replyTo string
}

// recipients lists staff first, then the patient. Staff replies go to the
// patient and patient replies go to the first staff address.
func (s *Service) recipients(booking scheduling.Booking) []recipient {
	patient := strings.TrimSpace(booking.Patient.Email)
	frontDesk := ""
	seen := map[string]bool{}
	var out []recipient
	add := func(email, name, replyTo string) {
		email = strings.TrimSpace(email)
		key := strings.ToLower(email)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, recipient{email: email, name: name, replyTo: replyTo})
	}
	for _, staff := range s.cfg.StaffRecipients {
		if frontDesk == "" {
			frontDesk = strings.TrimSpace(staff)
		}
		add(staff, s.cfg.ClinicName, patient)
	}
	if s.cfg.EmailPatient {
		add(patient, booking.Patient.Name, frontDesk)
	}
	return out
}

func (s *Service) observe(err error, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	s.recorder.ObserveEmail(status, elapsed)
}

type bookingView struct {
	Clinic    string
	Booking   scheduling.Booking
	DateLabel string
	Referral  string
	Urgent    bool
}

// RenderBooking builds the confirmation email for a booking. The HTML body
// escapes everything the caller said.
func RenderBooking(clinic string, booking scheduling.Booking) (EmailMessage, error) {
	view := bookingView{
		Clinic:   clinic,
		Booking:  booking,
		Referral: booking.Patient.ReferralDetails(),
		Urgent:   booking.Patient.Urgent,
	}
	if !booking.Date.IsZero() {
		view.DateLabel = booking.Date.Format("Monday, January 2, 2006")
	}

	var html, text bytes.Buffer
	if err := bookingHTML.Execute(&html, view); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render html: %w", err)
	}
	if err := bookingText.Execute(&text, view); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render text: %w", err)
	}
	return EmailMessage{
		Subject: "Appointment Confirmation - " + booking.Patient.Name,
		Body:    text.String(),
		HTML:    html.String(),
	}, nil
}

var bookingHTML = htmltemplate.Must(htmltemplate.New("booking").Parse(`<html>
<body style="font-family: Arial, sans-serif;">
<h2>Appointment Confirmation</h2>
<p>An appointment has been booked with {{.Clinic}}.</p>
{{- if .Urgent}}
<p><strong>Urgent:</strong> the patient reported symptoms that need prompt attention.</p>
{{- end}}
<h3>Patient Information</h3>
<ul>
<li><strong>Name:</strong> {{.Booking.Patient.Name}}</li>
<li><strong>Date of Birth:</strong> {{.Booking.Patient.DateOfBirth}}</li>
<li><strong>Phone:</strong> {{.Booking.Patient.Phone}}</li>
{{- with .Booking.Patient.Email}}
<li><strong>Email:</strong> {{.}}</li>
{{- end}}
<li><strong>Address:</strong> {{.Booking.Patient.Address}}</li>
<li><strong>Chief Complaint:</strong> {{.Booking.Patient.ChiefComplaint}}</li>
</ul>
<h3>Appointment Details</h3>
<ul>
<li><strong>Provider:</strong> {{.Booking.Slot.Provider}} ({{.Booking.Slot.Specialty}})</li>
<li><strong>When:</strong> {{.Booking.Slot.Day}} at {{.Booking.Slot.Time}}{{with .DateLabel}} ({{.}}){{end}}</li>
<li><strong>Confirmation #:</strong> {{.Booking.ID}}</li>
</ul>
<h3>Insurance Information</h3>
<ul>
<li><strong>Payer:</strong> {{.Booking.Patient.InsurancePayer}}</li>
<li><strong>Member ID:</strong> {{.Booking.Patient.InsuranceID}}</li>
</ul>
<h3>Referral Information</h3>
<p>{{.Referral}}</p>
{{- if .Booking.Patient.HasReferral}}
<p>Please bring your referral to the appointment.</p>
{{- end}}
</body>
</html>
`))

var bookingText = texttemplate.Must(texttemplate.New("booking").Parse(`Appointment Confirmation - {{.Clinic}}
{{if .Urgent}}
URGENT: the patient reported symptoms that need prompt attention.
{{end}}
Patient Information
  Name: {{.Booking.Patient.Name}}
  Date of Birth: {{.Booking.Patient.DateOfBirth}}
  Phone: {{.Booking.Patient.Phone}}
{{- with .Booking.Patient.Email}}
  Email: {{.}}
{{- end}}
  Address: {{.Booking.Patient.Address}}
  Chief Complaint: {{.Booking.Patient.ChiefComplaint}}

Appointment Details
  Provider: {{.Booking.Slot.Provider}} ({{.Booking.Slot.Specialty}})
  When: {{.Booking.Slot.Day}} at {{.Booking.Slot.Time}}{{with .DateLabel}} ({{.}}){{end}}
  Confirmation #: {{.Booking.ID}}

Insurance Information
  Payer: {{.Booking.Patient.InsurancePayer}}
  Member ID: {{.Booking.Patient.InsuranceID}}

Referral Information
  {{.Referral}}
`))

var _ scheduling.Notifier = (*Service)(nil)
