// Package flow implements the booking conversation as transitions over
// the serializable session record. The machine mutates the record and
// returns the replies to present plus, at the two suspension points,
// a command for the engine to run upstream.
package flow

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/calcom"
	"github.com/example/calbooker/internal/session"
	"github.com/example/calbooker/internal/timezone"
)

const (
	maxNameLength = 100

	// spanDays is the width of one availability query; pageStep is how
	// far "more dates" advances the window.
	spanDays = 14
	pageStep = 5

	// Presentation caps, so prompts stay scannable.
	maxDaysShown   = 5
	maxSlotsPerDay = 6
)

// CommandKind names the upstream work a transition requests.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdFetchAvailability
	CmdCreateBooking
)

// Command is handed to the engine for asynchronous execution. The
// attempt ID and generation it carries must still match the session
// record when the result comes back, otherwise the result is
// discarded.
type Command struct {
	Kind       CommandKind
	AttemptID  string
	Generation int

	Zone  string
	Range booking.DateRange

	Slot     booking.Slot
	Attendee booking.Attendee
}

// Machine holds the pure transition logic. It is stateless and shared
// across sessions; all mutable state lives in the session record.
type Machine struct {
	zones *timezone.Resolver
	now   func() time.Time
}

func NewMachine(zones *timezone.Resolver) *Machine {
	return &Machine{zones: zones, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Begin produces the opening prompt for a freshly created attempt.
func (m *Machine) Begin(a *session.Attempt) []Reply {
	a.State = session.StateZoneSelect
	return []Reply{m.zonePrompt("Choose your timezone:")}
}

// HandleSelect applies a discrete button/selection input.
func (m *Machine) HandleSelect(a *session.Attempt, data string) ([]Reply, Command) {
	// Cancellation is accepted from every non-terminal state, an
	// outstanding upstream call included.
	if data == "cancel" {
		return m.Cancel(a), Command{}
	}
	if a.State.Waiting() {
		return []Reply{notice("One moment, your previous request is still in progress.")}, Command{}
	}

	switch a.State {
	case session.StateZoneSelect:
		if zoneID, ok := strings.CutPrefix(data, "tz:"); ok {
			return m.selectZone(a, zoneID)
		}

	case session.StateSlotSelect:
		switch {
		case strings.HasPrefix(data, "slot:"):
			return m.selectSlot(a, strings.TrimPrefix(data, "slot:"))
		case strings.HasPrefix(data, "dates:"):
			offset, err := strconv.Atoi(strings.TrimPrefix(data, "dates:"))
			if err != nil || offset < 0 {
				offset = 0
			}
			a.OffsetDays = offset
			return m.startFetch(a)
		case strings.HasPrefix(data, "tz:"):
			return m.selectZone(a, strings.TrimPrefix(data, "tz:"))
		case data == "change_tz":
			a.State = session.StateZoneSelect
			return []Reply{m.zonePrompt("Choose your timezone:")}, Command{}
		case data == "noop":
			return nil, Command{}
		}

	case session.StateEmailDecision:
		switch data {
		case "email_yes":
			a.State = session.StateEmailEntry
			return []Reply{prompt("Enter your email:", nil)}, Command{}
		case "email_no":
			a.Email = ""
			a.EmailSkipped = true
			a.State = session.StateConfirm
			return []Reply{m.confirmPrompt(a)}, Command{}
		}

	case session.StateConfirm:
		switch data {
		case "confirm":
			return m.submit(a)
		case "back":
			// Back to slot selection, keeping the cached window.
			a.Slot = nil
			a.State = session.StateSlotSelect
			return []Reply{m.windowPrompt(a)}, Command{}
		}
	}

	return []Reply{notice("Please use the choices above.")}, Command{}
}

// HandleText applies a free-text input.
func (m *Machine) HandleText(a *session.Attempt, text string) ([]Reply, Command) {
	if a.State.Waiting() {
		return []Reply{notice("One moment, your previous request is still in progress.")}, Command{}
	}
	text = strings.TrimSpace(text)

	switch a.State {
	case session.StateNameEntry:
		if text == "" {
			return []Reply{prompt("Name cannot be empty. Enter your name:", nil)}, Command{}
		}
		if len([]rune(text)) > maxNameLength {
			return []Reply{prompt(fmt.Sprintf("Name is too long (max %d characters). Enter a shorter name:", maxNameLength), nil)}, Command{}
		}
		a.Name = text
		a.State = session.StateEmailDecision
		return []Reply{prompt(
			fmt.Sprintf("Great, %s! Would you like a confirmation email?", text),
			[]Choice{
				{Label: "Yes, add email", Data: "email_yes"},
				{Label: "No, skip", Data: "email_no"},
			},
		)}, Command{}

	case session.StateEmailEntry:
		if !validEmail(text) {
			return []Reply{prompt("That doesn't look like a valid email. Try again:", nil)}, Command{}
		}
		a.Email = text
		a.EmailSkipped = false
		a.State = session.StateConfirm
		return []Reply{m.confirmPrompt(a)}, Command{}
	}

	return []Reply{notice("Please use the choices above.")}, Command{}
}

// Cancel ends the session from any non-terminal state.
func (m *Machine) Cancel(a *session.Attempt) []Reply {
	a.State = session.StateCancelled
	return []Reply{outcome("cancelled", "Booking cancelled.", nil)}
}

// Timeout ends an idle session.
func (m *Machine) Timeout(a *session.Attempt) []Reply {
	a.State = session.StateCancelled
	return []Reply{outcome("cancelled",
		"Your booking session expired after inactivity. Please start again.", nil)}
}

// AvailabilityReady applies the result of an availability fetch. The
// engine guarantees state and generation already match.
func (m *Machine) AvailabilityReady(a *session.Attempt, w booking.AvailabilityWindow, err error) []Reply {
	if err != nil {
		a.State = session.StateZoneSelect
		msg := "Couldn't load the schedule. Please try again."
		if apiErr, ok := calcom.AsAPIError(err); ok {
			msg = apiErr.UserMessage()
		}
		return []Reply{m.zonePrompt(msg + "\n\nChoose a timezone to retry:")}
	}
	a.Window = &w
	a.State = session.StateSlotSelect
	return []Reply{m.windowPrompt(a)}
}

// SubmitFinished applies the result of a booking submission.
func (m *Machine) SubmitFinished(a *session.Attempt, res booking.Result, err error) []Reply {
	if err != nil {
		if apiErr, ok := calcom.AsAPIError(err); ok && apiErr.Kind == calcom.KindConflict {
			// Someone else took the slot: prune it and re-present.
			if a.Window != nil && a.Slot != nil {
				pruned := a.Window.WithoutSlot(a.Slot.Start)
				a.Window = &pruned
			}
			a.Slot = nil
			a.State = session.StateSlotSelect
			return []Reply{notice(apiErr.UserMessage()), m.windowPrompt(a)}
		}
		a.State = session.StateFailed
		msg := "Sorry, something went wrong. Please try again later."
		if apiErr, ok := calcom.AsAPIError(err); ok {
			msg = apiErr.UserMessage()
		}
		return []Reply{outcome("failed", msg, nil)}
	}

	a.State = session.StateDone
	text := "Done! Your meeting is confirmed."
	if date, clock, err := m.zones.ToLocal(res.Start, a.Zone); err == nil {
		if z, ok := timezone.Lookup(a.Zone); ok {
			text = fmt.Sprintf("Done! Your meeting is confirmed for %s at %s, %s.", date, clock, z.Label)
		}
	}
	if !a.EmailSkipped && a.Email != "" {
		text += fmt.Sprintf("\nA confirmation email was sent to %s.", a.Email)
	}
	return []Reply{outcome("done", text, &res)}
}

// --- transitions with suspension points ---

func (m *Machine) selectZone(a *session.Attempt, zoneID string) ([]Reply, Command) {
	if _, ok := timezone.Lookup(zoneID); !ok {
		return []Reply{m.zonePrompt("That timezone is not available. Choose one of:")}, Command{}
	}
	a.Zone = zoneID
	a.OffsetDays = 0
	return m.startFetch(a)
}

func (m *Machine) startFetch(a *session.Attempt) ([]Reply, Command) {
	a.State = session.StateAvailabilityWait
	a.Generation++
	today := m.now().UTC().Truncate(24 * time.Hour)
	rng := booking.DateRange{
		From: today.AddDate(0, 0, a.OffsetDays),
		To:   today.AddDate(0, 0, a.OffsetDays+spanDays),
	}
	return []Reply{notice("Loading available times...")}, Command{
		Kind:       CmdFetchAvailability,
		AttemptID:  a.ID,
		Generation: a.Generation,
		Zone:       a.Zone,
		Range:      rng,
	}
}

func (m *Machine) selectSlot(a *session.Attempt, raw string) ([]Reply, Command) {
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil || a.Window == nil {
		return []Reply{notice("That time is no longer listed. Pick another one."), m.windowPrompt(a)}, Command{}
	}
	slot, ok := a.Window.FindSlot(start.UTC())
	if !ok {
		return []Reply{notice("That time is no longer listed. Pick another one."), m.windowPrompt(a)}, Command{}
	}
	a.Slot = &slot
	a.State = session.StateNameEntry
	return []Reply{prompt("Enter your name:", nil)}, Command{}
}

func (m *Machine) submit(a *session.Attempt) ([]Reply, Command) {
	// Both guarded earlier in the flow; a confirm without them is a bug.
	if a.Slot == nil || a.Name == "" {
		a.State = session.StateZoneSelect
		return []Reply{m.zonePrompt("Something went out of order. Let's start over — choose your timezone:")}, Command{}
	}
	a.State = session.StateSubmitWait
	a.Generation++
	return []Reply{notice("Creating your booking...")}, Command{
		Kind:       CmdCreateBooking,
		AttemptID:  a.ID,
		Generation: a.Generation,
		Slot:       *a.Slot,
		Attendee: booking.Attendee{
			Name:     a.Name,
			Email:    a.AttendeeEmail(),
			TimeZone: a.Zone,
			Language: "en",
		},
	}
}

// --- prompt builders ---

func (m *Machine) zonePrompt(text string) Reply {
	choices := make([]Choice, 0, len(timezone.Catalog)+1)
	for _, z := range timezone.Catalog {
		choices = append(choices, Choice{Label: z.Label, Data: "tz:" + z.ID})
	}
	choices = append(choices, Choice{Label: "Cancel", Data: "cancel"})
	return prompt(text, choices)
}

func (m *Machine) windowPrompt(a *session.Attempt) Reply {
	zoneLabel := a.Zone
	if z, ok := timezone.Lookup(a.Zone); ok {
		zoneLabel = z.Label
	}

	if a.Window == nil || !a.Window.HasSlots() {
		return prompt("No available times in this period.", m.navChoices(a, false))
	}

	choices := make([]Choice, 0, maxDaysShown*maxSlotsPerDay+4)
	days := a.Window.Days
	if len(days) > maxDaysShown {
		days = days[:maxDaysShown]
	}
	for _, d := range days {
		slots := d.Slots
		if len(slots) > maxSlotsPerDay {
			slots = slots[:maxSlotsPerDay]
		}
		for _, s := range slots {
			label := s.Start.UTC().Format(time.RFC3339)
			if date, clock, err := m.zones.ToLocal(s.Start, a.Zone); err == nil {
				label = date + " " + clock
			}
			choices = append(choices, Choice{
				Label: label,
				Data:  "slot:" + s.Start.UTC().Format(time.RFC3339),
			})
		}
	}
	choices = append(choices, m.navChoices(a, true)...)
	return prompt(fmt.Sprintf("Available times (%s). Pick one:", zoneLabel), choices)
}

func (m *Machine) navChoices(a *session.Attempt, includeBack bool) []Choice {
	var out []Choice
	if includeBack && a.OffsetDays > 0 {
		prev := a.OffsetDays - pageStep
		if prev < 0 {
			prev = 0
		}
		out = append(out, Choice{Label: "← Earlier dates", Data: fmt.Sprintf("dates:%d", prev)})
	}
	out = append(out,
		Choice{Label: "More dates →", Data: fmt.Sprintf("dates:%d", a.OffsetDays+pageStep)},
		Choice{Label: "Change timezone", Data: "change_tz"},
		Choice{Label: "Cancel", Data: "cancel"},
	)
	return out
}

func (m *Machine) confirmPrompt(a *session.Attempt) Reply {
	when := ""
	if a.Slot != nil {
		if date, clock, err := m.zones.ToLocal(a.Slot.Start, a.Zone); err == nil {
			when = date + " at " + clock
		}
	}
	zoneLabel := a.Zone
	if z, ok := timezone.Lookup(a.Zone); ok {
		zoneLabel = z.Label
	}
	emailLine := "Email: skipped"
	if a.Email != "" {
		emailLine = "Email: " + a.Email
	}
	text := fmt.Sprintf("Please confirm your booking:\n\nTime: %s (%s)\nName: %s\n%s",
		when, zoneLabel, a.Name, emailLine)
	return prompt(text, []Choice{
		{Label: "Confirm booking", Data: "confirm"},
		{Label: "Choose another time", Data: "back"},
		{Label: "Cancel", Data: "cancel"},
	})
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}
