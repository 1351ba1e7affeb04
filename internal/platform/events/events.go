// Package events publishes domain events after their transaction commits.
// Publishing is best effort: a failed publish is logged by the caller and
// never rolls back the change that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ClaimStatusChanged          = "claim.status_changed"
	PaymentRecorded             = "payment.recorded"
	PaymentReconciled           = "payment.reconciled"
	PaymentReconciliationUndone = "payment.reconciliation_undone"
)

// Event is the envelope published for every domain event.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Subject    string    `json:"subject"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New builds an event with a fresh id.
func New(eventType, subject, actor string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		ActorID:    actor,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("subject", e.Subject).
		Str("actor", e.ActorID).
		Interface("data", e.Data).
		Msg("domain event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range r.events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}
