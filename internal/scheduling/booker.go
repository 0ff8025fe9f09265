package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/voice-intake-agent/internal/intake"
)

// ErrConfirmationFailed is returned when the confirmation email could not be
// sent. The booking is not complete. The slot stays withheld while it is the
// pending selection, so the booking can be retried; choosing another slot or
// clearing the selection releases it.
var ErrConfirmationFailed = errors.New("scheduling: confirmation email failed")

// Booking pairs a slot with the confirmed intake. It has no lifecycle beyond
// the confirmation email.
type Booking struct {
	ID      string        `json:"id"`
	Slot    Slot          `json:"slot"`
	Patient intake.Record `json:"patient"`
	// Date is the calendar day the slot's relative day resolved to.
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier sends the booking confirmation. It must return only once the
// message has been accepted or has failed.
type Notifier interface {
	NotifyBooking(ctx context.Context, booking Booking) error
}

// Booker turns a pending selection into a booking.
type Booker struct {
	presenter *Presenter
	notifier  Notifier
	now       func() time.Time
}

// NewBooker wires a booker to the call's presenter.
func NewBooker(presenter *Presenter, notifier Notifier) *Booker {
	return &Booker{presenter: presenter, notifier: notifier, now: time.Now}
}

// Book consumes the pending selection and sends the confirmation email
// synchronously. The caller must already have confirmed the selection.
func (b *Booker) Book(ctx context.Context, record intake.Record) (Booking, error) {
	slot, ok := b.presenter.Pending()
	if !ok {
		return Booking{}, ErrNoSelection
	}
	b.presenter.markBooked(slot.ID)

	now := b.presenter.now()
	booking := Booking{
		ID:        uuid.NewString(),
		Slot:      slot,
		Patient:   record,
		Date:      DateOf(slot, now),
		CreatedAt: b.now().UTC(),
	}
	if b.notifier == nil {
		b.presenter.markUnconfirmed(slot.ID)
		return Booking{}, fmt.Errorf("%w: no notifier configured", ErrConfirmationFailed)
	}
	if err := b.notifier.NotifyBooking(ctx, booking); err != nil {
		b.presenter.markUnconfirmed(slot.ID)
		return Booking{}, fmt.Errorf("%w: %v", ErrConfirmationFailed, err)
	}
	b.presenter.confirm()
	return booking, nil
}
