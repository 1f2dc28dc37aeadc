package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/calcom"
	"github.com/example/calbooker/internal/flow"
	"github.com/example/calbooker/internal/session"
	"github.com/example/calbooker/internal/timezone"
)

type stubGate struct {
	mu        sync.Mutex
	allowed   map[string]bool
	requested []string
}

func (g *stubGate) IsAuthorized(ctx context.Context, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed[userID], nil
}

func (g *stubGate) RecordRequest(ctx context.Context, userID, displayName, username string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requested = append(g.requested, userID)
	return true, nil
}

type stubClient struct {
	fetchCalls  int32
	createCalls int32

	fetch  func(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error)
	create func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error)
}

func (c *stubClient) FetchAvailability(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error) {
	atomic.AddInt32(&c.fetchCalls, 1)
	return c.fetch(ctx, rng, zone)
}

func (c *stubClient) CreateBooking(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
	atomic.AddInt32(&c.createCalls, 1)
	return c.create(ctx, slot, att, meta)
}

type chanNotifier struct {
	ch chan []flow.Reply
}

func (n *chanNotifier) Notify(userID string, replies ...flow.Reply) {
	n.ch <- replies
}

func (n *chanNotifier) await(t *testing.T) []flow.Reply {
	t.Helper()
	select {
	case replies := <-n.ch:
		return replies
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async replies")
		return nil
	}
}

func (n *chanNotifier) awaitNone(t *testing.T) {
	t.Helper()
	select {
	case replies := <-n.ch:
		t.Fatalf("unexpected async replies: %+v", replies)
	case <-time.After(150 * time.Millisecond):
	}
}

var slotStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func fixedWindow(rng booking.DateRange, zone string) booking.AvailabilityWindow {
	return booking.AvailabilityWindow{
		EventTypeID: 42,
		Range:       rng,
		Zone:        zone,
		Days: []booking.Day{{
			Date:  "2026-03-02",
			Slots: []booking.Slot{{Start: slotStart}},
		}},
	}
}

func testEngine(t *testing.T, client *stubClient, gate *stubGate) (*Engine, *chanNotifier, session.Store) {
	t.Helper()
	zones, err := timezone.NewResolver()
	require.NoError(t, err)

	if client.fetch == nil {
		client.fetch = func(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error) {
			return fixedWindow(rng, zone), nil
		}
	}
	if client.create == nil {
		client.create = func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
			return booking.Result{ID: 101, Start: slot.Start, Status: "accepted", Attendee: att}, nil
		}
	}

	notifier := &chanNotifier{ch: make(chan []flow.Reply, 8)}
	store := session.NewMemoryStore()
	eng := New(Config{
		Store:    store,
		Client:   client,
		Gate:     gate,
		Machine:  flow.NewMachine(zones),
		Notifier: notifier,
	})
	return eng, notifier, store
}

func TestFullBookingFlow(t *testing.T) {
	client := &stubClient{}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	replies, err := eng.StartSession(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, flow.ReplyPrompt, replies[0].Kind)

	replies, err = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, flow.ReplyNotice, replies[0].Kind)

	async := notifier.await(t)
	require.Equal(t, flow.ReplyPrompt, async[0].Kind)
	require.Contains(t, async[0].Text, "Moscow (UTC+3)")

	_, err = eng.HandleSelect(ctx, "u1", "slot:2026-03-02T09:00:00Z")
	require.NoError(t, err)
	_, err = eng.HandleText(ctx, "u1", "Ivan")
	require.NoError(t, err)
	_, err = eng.HandleSelect(ctx, "u1", "email_no")
	require.NoError(t, err)

	var gotAtt booking.Attendee
	var gotMeta map[string]string
	client.create = func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
		gotAtt, gotMeta = att, meta
		return booking.Result{ID: 101, Start: slot.Start, Status: "accepted", Attendee: att}, nil
	}

	_, err = eng.HandleSelect(ctx, "u1", "confirm")
	require.NoError(t, err)

	async = notifier.await(t)
	require.Equal(t, flow.ReplyOutcome, async[0].Kind)
	require.Equal(t, "done", async[0].Outcome.Status)

	require.Equal(t, "Ivan", gotAtt.Name)
	require.Equal(t, "user-u1@calbooker.local", gotAtt.Email)
	require.Equal(t, "u1", gotMeta["user_id"])

	// Terminal sessions are destroyed.
	_, err = store.Get(ctx, "u1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeniedUserLeavesRequest(t *testing.T) {
	gate := &stubGate{allowed: map[string]bool{}}
	client := &stubClient{}
	eng, _, store := testEngine(t, client, gate)
	ctx := context.Background()

	replies, err := eng.StartSession(ctx, "stranger")
	require.NoError(t, err)
	require.Equal(t, flow.ReplyNotice, replies[0].Kind)
	require.Contains(t, replies[0].Text, "approved users only")

	require.Equal(t, []string{"stranger"}, gate.requested)
	_, err = store.Get(ctx, "stranger")
	require.ErrorIs(t, err, session.ErrNotFound)
	require.Zero(t, atomic.LoadInt32(&client.fetchCalls))
}

func TestInputWithoutSession(t *testing.T) {
	eng, _, _ := testEngine(t, &stubClient{}, &stubGate{allowed: map[string]bool{"u1": true}})

	replies, err := eng.HandleText(context.Background(), "u1", "hello")
	require.NoError(t, err)
	require.Contains(t, replies[0].Text, "No booking in progress")
}

func TestConflictReturnsToSlotSelect(t *testing.T) {
	client := &stubClient{
		create: func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
			return booking.Result{}, &calcom.APIError{Kind: calcom.KindConflict, StatusCode: 409}
		},
	}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	_, _ = eng.StartSession(ctx, "u1")
	_, _ = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")
	notifier.await(t)
	_, _ = eng.HandleSelect(ctx, "u1", "slot:2026-03-02T09:00:00Z")
	_, _ = eng.HandleText(ctx, "u1", "Ivan")
	_, _ = eng.HandleSelect(ctx, "u1", "email_no")
	_, _ = eng.HandleSelect(ctx, "u1", "confirm")

	async := notifier.await(t)
	require.Contains(t, async[0].Text, "no longer available")

	a, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, session.StateSlotSelect, a.State)
	require.Nil(t, a.Slot)
	require.False(t, a.Window.HasSlots())
}

func TestCancelDiscardsInFlightBooking(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{
		create: func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
			<-release
			return booking.Result{ID: 101, Start: slot.Start, Status: "accepted"}, nil
		},
	}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	_, _ = eng.StartSession(ctx, "u1")
	_, _ = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")
	notifier.await(t)
	_, _ = eng.HandleSelect(ctx, "u1", "slot:2026-03-02T09:00:00Z")
	_, _ = eng.HandleText(ctx, "u1", "Ivan")
	_, _ = eng.HandleSelect(ctx, "u1", "email_no")
	_, _ = eng.HandleSelect(ctx, "u1", "confirm")

	replies, err := eng.Cancel(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "cancelled", replies[0].Outcome.Status)

	close(release)
	notifier.awaitNone(t)
	require.Equal(t, int32(1), atomic.LoadInt32(&client.createCalls))

	_, err = store.Get(ctx, "u1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestartDiscardsInFlightFetch(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{
		fetch: func(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error) {
			<-release
			return fixedWindow(rng, zone), nil
		},
	}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	_, _ = eng.StartSession(ctx, "u1")
	_, _ = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")

	first, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	// Restart while the first fetch is still running.
	replies, err := eng.StartSession(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, flow.ReplyPrompt, replies[0].Kind)

	close(release)
	notifier.awaitNone(t)

	a, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, session.StateZoneSelect, a.State)
	require.NotEqual(t, first.ID, a.ID)
}

// A cancelled attempt's in-flight submit must not touch a successor
// attempt, even one that reaches the same state and generation.
func TestStaleSubmitCannotTouchSuccessorSession(t *testing.T) {
	staleRelease := make(chan struct{})
	freshRelease := make(chan struct{})
	var submits int32
	client := &stubClient{
		create: func(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
			if atomic.AddInt32(&submits, 1) == 1 {
				<-staleRelease
				return booking.Result{}, &calcom.APIError{Kind: calcom.KindConflict, StatusCode: 409}
			}
			<-freshRelease
			return booking.Result{ID: 101, Start: slot.Start, Status: "accepted"}, nil
		},
	}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	driveToSubmit := func() {
		_, _ = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")
		notifier.await(t)
		_, _ = eng.HandleSelect(ctx, "u1", "slot:2026-03-02T09:00:00Z")
		_, _ = eng.HandleText(ctx, "u1", "Ivan")
		_, _ = eng.HandleSelect(ctx, "u1", "email_no")
		_, _ = eng.HandleSelect(ctx, "u1", "confirm")
	}

	_, _ = eng.StartSession(ctx, "u1")
	driveToSubmit()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&submits) == 1 },
		time.Second, 5*time.Millisecond)
	_, err := eng.Cancel(ctx, "u1")
	require.NoError(t, err)

	// A second attempt reaches submit_wait at the same generation the
	// cancelled attempt carried.
	_, _ = eng.StartSession(ctx, "u1")
	driveToSubmit()

	second, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, session.StateSubmitWait, second.State)
	require.Equal(t, 2, second.Generation)

	// The cancelled attempt's conflict lands and must be discarded.
	close(staleRelease)
	notifier.awaitNone(t)

	a, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, session.StateSubmitWait, a.State)
	require.Equal(t, second.ID, a.ID)

	// The second attempt's own result still applies.
	close(freshRelease)
	async := notifier.await(t)
	require.Equal(t, "done", async[0].Outcome.Status)
}

func TestLockEntriesPruned(t *testing.T) {
	client := &stubClient{}
	eng, _, _ := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	_, _ = eng.StartSession(ctx, "u1")
	_, ok := eng.locks.Load("u1")
	require.True(t, ok)

	_, err := eng.Cancel(ctx, "u1")
	require.NoError(t, err)
	_, ok = eng.locks.Load("u1")
	require.False(t, ok)

	// Unknown users poking the session API leave nothing behind.
	_, err = eng.HandleText(ctx, "drive-by", "hello")
	require.NoError(t, err)
	_, ok = eng.locks.Load("drive-by")
	require.False(t, ok)
}

func TestIdleSweep(t *testing.T) {
	client := &stubClient{}
	eng, notifier, store := testEngine(t, client, &stubGate{allowed: map[string]bool{"u1": true}})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.WithClock(func() time.Time { return now })

	_, err := eng.StartSession(ctx, "u1")
	require.NoError(t, err)
	_, _ = eng.HandleSelect(ctx, "u1", "tz:Europe/Moscow")
	notifier.await(t)
	_, _ = eng.HandleSelect(ctx, "u1", "slot:2026-03-02T09:00:00Z")

	a, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, session.StateNameEntry, a.State)

	// Under the timeout: nothing happens.
	now = now.Add(10 * time.Minute)
	eng.SweepIdle(ctx)
	notifier.awaitNone(t)

	now = now.Add(25 * time.Minute)
	eng.SweepIdle(ctx)

	async := notifier.await(t)
	require.Equal(t, "cancelled", async[0].Outcome.Status)
	require.Contains(t, async[0].Text, "expired")

	_, err = store.Get(ctx, "u1")
	require.ErrorIs(t, err, session.ErrNotFound)
	require.Zero(t, atomic.LoadInt32(&client.createCalls))
}
