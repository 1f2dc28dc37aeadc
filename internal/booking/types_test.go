package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func window() AvailabilityWindow {
	return AvailabilityWindow{
		EventTypeID: 42,
		Days: []Day{
			{Date: "2026-03-02", Slots: []Slot{
				{Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
				{Start: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
			}},
			{Date: "2026-03-03", Slots: []Slot{
				{Start: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)},
			}},
		},
	}
}

func TestFindSlot(t *testing.T) {
	w := window()

	s, ok := w.FindSlot(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, "2026-03-03T09:00:00Z", s.Start.Format(time.RFC3339))

	// Equal instants match across locations.
	msk := time.FixedZone("MSK", 3*3600)
	_, ok = w.FindSlot(time.Date(2026, 3, 3, 12, 0, 0, 0, msk))
	require.True(t, ok)

	_, ok = w.FindSlot(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC))
	require.False(t, ok)
}

func TestWithoutSlot(t *testing.T) {
	w := window()
	pruned := w.WithoutSlot(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))

	// Days emptied by the prune are dropped; the original is untouched.
	require.Len(t, pruned.Days, 1)
	require.Equal(t, "2026-03-02", pruned.Days[0].Date)
	require.Len(t, w.Days, 2)

	pruned = pruned.WithoutSlot(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	pruned = pruned.WithoutSlot(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	require.False(t, pruned.HasSlots())
	require.True(t, w.HasSlots())
}

func TestDateRangeAdvance(t *testing.T) {
	r := DateRange{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
	shifted := r.Advance(5)
	require.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), shifted.From)
	require.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), shifted.To)
}
