package service

import (
	"errors"
	"fmt"

	"telegram-contest-bot/internal/model"
)

// Service-level errors shared across components.
var (
	// ErrValidation marks malformed commands or arguments. Reported to the
	// issuing user; no state changes.
	ErrValidation = errors.New("validation failed")

	// ErrContestNotActive is returned when an operation requires an Active
	// contest and there is none (or the target contest is in another state).
	ErrContestNotActive = errors.New("contest is not active")

	// ErrFeatureUnavailable is returned when an operation is attempted in
	// the wrong run mode, e.g. /broadcast against the live event loop.
	ErrFeatureUnavailable = errors.New("feature unavailable in this run mode")

	// ErrNotChannelOwner is returned when a contest command comes from a
	// user who did not register the channel.
	ErrNotChannelOwner = errors.New("sender does not own this channel")
)

// InvalidTransitionError reports a contest state machine violation,
// carrying the contest's current state for the caller's error message.
type InvalidTransitionError struct {
	Current   model.ContestState
	Requested model.ContestState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition to %q: contest is %q", e.Requested, e.Current)
}
