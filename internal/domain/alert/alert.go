// Package alert defines the transient alert raised when a user's risk
// profile enters the critical band, together with the ports the alert bus
// is built on.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// DefaultCooldown is how long an identical alert is suppressed.
const DefaultCooldown = 15 * time.Minute

// DedupeKey identifies alerts that count as the same for cooldown purposes.
type DedupeKey struct {
	UserID shared.UserID `json:"user_id"`
	Stage  risk.Stage    `json:"stage"`
	Level  risk.Level    `json:"risk_level"`
}

// String renders the key for use in external stores.
func (k DedupeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.Stage, k.Level)
}

// Event is the alert delivered to staff dashboards and sinks.
type Event struct {
	ID            string               `json:"id"`
	InstitutionID shared.InstitutionID `json:"institution_id"`
	Profile       risk.Profile         `json:"profile"`
	From          risk.Stage           `json:"transition_from"`
	To            risk.Stage           `json:"transition_to"`
	EmittedAt     time.Time            `json:"emitted_at"`
	Key           DedupeKey            `json:"dedupe_key"`

	// Origin is the instance that accepted the alert. Relays use it to
	// skip their own messages.
	Origin string `json:"origin,omitempty"`
}

// NewEvent builds an alert for a committed transition.
func NewEvent(id string, p risk.Profile, from risk.Stage, now time.Time) Event {
	return Event{
		ID:            id,
		InstitutionID: p.InstitutionID,
		Profile:       p,
		From:          from,
		To:            p.Stage,
		EmittedAt:     now,
		Key:           DedupeKey{UserID: p.UserID, Stage: p.Stage, Level: p.Level},
	}
}

// Alertable reports whether the event's target stage is in the critical band.
func (e Event) Alertable() bool {
	return e.To.IsCritical()
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// Dedupe claims dedupe keys for a cooldown window.
type Dedupe interface {
	// Claim returns true if key was not claimed within ttl and claims it now.
	Claim(ctx context.Context, key DedupeKey, ttl time.Duration) (bool, error)
}

// Publisher accepts alerts for fan-out.
type Publisher interface {
	// Publish returns whether the alert was accepted (not filtered or
	// suppressed). It never blocks on subscribers.
	Publish(ctx context.Context, e Event) (bool, error)
}

// Transport carries alerts between instances.
type Transport interface {
	Send(ctx context.Context, e Event) error
	// Receive delivers remote alerts to fn until ctx is done.
	Receive(ctx context.Context, fn func(Event)) error
	Close() error
}

// Sink is a side effect attached to the bus (audit log, paging).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}
