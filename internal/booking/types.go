package booking

import "time"

// Slot is one bookable start instant for the configured event type.
// The instant is always UTC; display conversion happens at the edge.
type Slot struct {
	Start time.Time `json:"start"`
}

// DateRange is a UTC date range, inclusive on both ends.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Advance shifts the range forward by the given number of days.
func (r DateRange) Advance(days int) DateRange {
	return DateRange{From: r.From.AddDate(0, 0, days), To: r.To.AddDate(0, 0, days)}
}

// Day groups the slots available on one calendar date (upstream's
// grouping, date formatted YYYY-MM-DD in the requested zone).
type Day struct {
	Date  string `json:"date"`
	Slots []Slot `json:"slots"`
}

// AvailabilityWindow is the result of one upstream availability query.
// Days are ordered by date, slots within a day by start instant. The
// window is treated as immutable once fetched; pruning a slot returns
// a copy.
type AvailabilityWindow struct {
	EventTypeID int       `json:"event_type_id"`
	Range       DateRange `json:"range"`
	Zone        string    `json:"zone"`
	Days        []Day     `json:"days"`
}

// HasSlots reports whether any day in the window has at least one slot.
func (w AvailabilityWindow) HasSlots() bool {
	for _, d := range w.Days {
		if len(d.Slots) > 0 {
			return true
		}
	}
	return false
}

// FindSlot returns the slot with the given UTC start, if present.
func (w AvailabilityWindow) FindSlot(start time.Time) (Slot, bool) {
	for _, d := range w.Days {
		for _, s := range d.Slots {
			if s.Start.Equal(start) {
				return s, true
			}
		}
	}
	return Slot{}, false
}

// WithoutSlot returns a copy of the window with the slot at the given
// start removed. Days left empty are dropped.
func (w AvailabilityWindow) WithoutSlot(start time.Time) AvailabilityWindow {
	out := w
	out.Days = make([]Day, 0, len(w.Days))
	for _, d := range w.Days {
		kept := make([]Slot, 0, len(d.Slots))
		for _, s := range d.Slots {
			if s.Start.Equal(start) {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) > 0 {
			out.Days = append(out.Days, Day{Date: d.Date, Slots: kept})
		}
	}
	return out
}

// Attendee is the person a booking is created for.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
	Language string `json:"language"`
}

// Result is a confirmed upstream booking. It is handed to the
// presentation layer and not retained; Cal.com is the system of record.
type Result struct {
	ID       int64     `json:"id"`
	UID      string    `json:"uid"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Status   string    `json:"status"`
	Attendee Attendee  `json:"attendee"`
}
