package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/care-hub/internal/domain/alert"
)

// ErrNotAccepted is returned when no channel accepted a notification.
var ErrNotAccepted = errors.New("notification not accepted by any channel")

// PagingSink pages on-call staff for every alert it receives.
type PagingSink struct {
	dispatcher *Dispatcher
}

// NewPagingSink creates a sink that notifies through d.
func NewPagingSink(d *Dispatcher) *PagingSink {
	return &PagingSink{dispatcher: d}
}

// Name implements alert.Sink.
func (s *PagingSink) Name() string { return "paging" }

// Deliver implements alert.Sink.
func (s *PagingSink) Deliver(_ context.Context, e alert.Event) error {
	subject, body := AlertMessage(e)
	if _, ok := s.dispatcher.Notify(subject, body); !ok {
		return ErrNotAccepted
	}
	return nil
}

// AlertMessage renders the subject and body staff receive for an alert.
// Message text is never included.
func AlertMessage(e alert.Event) (string, string) {
	subject := fmt.Sprintf("[care-hub] %s risk: student %s", e.Profile.Level, e.Profile.UserID)
	body := fmt.Sprintf(
		"Student %s (institution %s) moved from %s to %s at %s. Crisis signals: %d. Open the dashboard to respond.",
		e.Profile.UserID, e.InstitutionID, e.From, e.To,
		e.EmittedAt.UTC().Format("2006-01-02 15:04 MST"), e.Profile.CrisisCount,
	)
	return subject, body
}
