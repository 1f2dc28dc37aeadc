// Package session holds the per-user booking attempt: an explicit,
// serializable record keyed by the user's opaque identifier, stored in
// an addressable table so timeout sweeps and tests stay tractable.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/calbooker/internal/booking"
)

// State is the phase marker of a booking attempt. It only moves
// forward, except for the explicit backward transitions the flow
// allows (back to zone or slot selection).
type State string

const (
	StateZoneSelect       State = "zone_select"
	StateAvailabilityWait State = "availability_wait"
	StateSlotSelect       State = "slot_select"
	StateNameEntry        State = "name_entry"
	StateEmailDecision    State = "email_decision"
	StateEmailEntry       State = "email_entry"
	StateConfirm          State = "confirm"
	StateSubmitWait       State = "submit_wait"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Waiting reports whether an upstream call is outstanding. Inputs other
// than cancellation are rejected while waiting.
func (s State) Waiting() bool {
	return s == StateAvailabilityWait || s == StateSubmitWait
}

// Attempt is the mutable state of one in-progress booking session.
// Owned exclusively by the session; destroyed on completion,
// cancellation or timeout.
type Attempt struct {
	UserID string `json:"user_id"`
	// ID is unique per attempt. Upstream completions must present the
	// ID of the attempt that issued the call; cancelling or restarting
	// replaces the attempt and orphans the old ID, so late results of
	// a previous attempt can never touch the new one.
	ID    string `json:"id"`
	State State  `json:"state"`

	Zone       string `json:"zone,omitempty"`
	OffsetDays int    `json:"offset_days"`

	Window *booking.AvailabilityWindow `json:"window,omitempty"`
	Slot   *booking.Slot               `json:"slot,omitempty"`

	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	EmailSkipped bool   `json:"email_skipped"`

	// Generation guards outstanding upstream calls: a completion whose
	// generation no longer matches the record's is discarded.
	Generation int `json:"generation"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttendeeEmail returns the chosen email, or the deterministic
// placeholder when the user skipped the email step.
func (a *Attempt) AttendeeEmail() string {
	if a.Email != "" {
		return a.Email
	}
	return PlaceholderEmail(a.UserID)
}

// PlaceholderEmail derives a stable address from the opaque user ID for
// users who decline to supply one.
func PlaceholderEmail(userID string) string {
	return fmt.Sprintf("user-%s@calbooker.local", userID)
}

// ErrNotFound is returned when no attempt exists for the user.
var ErrNotFound = errors.New("session not found")

// Store is the addressable session table. Implementations must be safe
// for concurrent use; the engine serializes access per user above it.
type Store interface {
	Get(ctx context.Context, userID string) (*Attempt, error)
	Put(ctx context.Context, a *Attempt) error
	Delete(ctx context.Context, userID string) error

	// IdleBefore lists users whose attempt was last updated before the
	// cutoff, for the idle-timeout sweep.
	IdleBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
