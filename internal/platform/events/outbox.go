package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type outboxKey struct{}

// Outbox buffers events raised inside a transaction so they are published
// only once the outermost operation has committed.
type Outbox struct {
	mu     sync.Mutex
	events []Event
}

// Begin returns a context that buffers Emit calls. When ctx already carries
// an outbox the same context is returned with a nil Outbox, so nested
// operations leave publishing to their caller.
func Begin(ctx context.Context) (context.Context, *Outbox) {
	if _, ok := ctx.Value(outboxKey{}).(*Outbox); ok {
		return ctx, nil
	}
	o := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, o), o
}

// Emit queues e on ctx's outbox. Without an outbox it reports false and the
// caller should publish directly.
func Emit(ctx context.Context, e Event) bool {
	o, ok := ctx.Value(outboxKey{}).(*Outbox)
	if !ok {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return true
}

// Flush publishes the buffered events when err is nil and drops them
// otherwise. Publish failures are logged. A nil Outbox does nothing.
func (o *Outbox) Flush(ctx context.Context, p Publisher, logger zerolog.Logger, err error) {
	if o == nil {
		return
	}
	o.mu.Lock()
	pending := o.events
	o.events = nil
	o.mu.Unlock()
	if err != nil || p == nil {
		return
	}
	for _, e := range pending {
		if perr := p.Publish(ctx, e); perr != nil {
			logger.Warn().Err(perr).Str("event_type", e.Type).Str("subject", e.Subject).Msg("publish event failed")
		}
	}
}
