package claim

import (
	"fmt"

	"github.com/rcm/rcm/internal/platform/apperror"
)

const RuleInvalidTransition = "invalid-status-transition"

// transitions lists every legal status change. Corrected claims are new
// claims, not transitions, and RestoreStatus bypasses the table.
var transitions = map[Status][]Status{
	StatusDraft:       {StatusValidated, StatusVoid},
	StatusValidated:   {StatusSubmitted, StatusVoid},
	StatusSubmitted:   {StatusPending, StatusVoid},
	StatusPending:     {StatusPaid, StatusPartialPaid, StatusDenied, StatusVoid},
	StatusPaid:        {StatusAppealed, StatusVoid},
	StatusPartialPaid: {StatusPaid, StatusPartialPaid, StatusAppealed, StatusVoid},
	StatusDenied:      {StatusAppealed, StatusVoid},
	StatusAppealed:    {StatusPaid, StatusPartialPaid, StatusDenied, StatusVoid},
	StatusVoid:        nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

func checkTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperror.Business(RuleInvalidTransition,
		fmt.Sprintf("cannot move claim from %s to %s", from, to),
		map[string]any{"current": string(from), "requested": string(to)})
}

func validStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}
