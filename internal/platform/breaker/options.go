package breaker

import (
	"github.com/rs/zerolog"
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailurePredicate decides which errors count against the breaker.
// Errors for which fn returns false are treated as a completed round trip.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStore mirrors OPEN state into a shared store.
func WithStore(s Store) Option {
	return func(b *Breaker) { b.store = s }
}

// WithLogger sets the logger used for state changes.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}
