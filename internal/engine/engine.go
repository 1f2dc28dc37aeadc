// Package engine runs booking sessions: it serializes inputs per user,
// executes the flow's upstream commands asynchronously, enforces the
// idle timeout, and hands replies to the transport.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/flow"
	"github.com/example/calbooker/internal/metrics"
	"github.com/example/calbooker/internal/session"
)

// DefaultIdleTimeout forces stale sessions to a cancelled outcome.
const DefaultIdleTimeout = 30 * time.Minute

const sweepInterval = time.Minute

// AccessGate decides whether a user may start a booking. Consulted
// exactly once, at session start; denied users leave an access request
// for an operator to review.
type AccessGate interface {
	IsAuthorized(ctx context.Context, userID string) (bool, error)
	RecordRequest(ctx context.Context, userID, displayName, username string) (bool, error)
}

// SchedulingClient is the upstream surface the engine needs.
type SchedulingClient interface {
	FetchAvailability(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error)
	CreateBooking(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error)
}

// Notifier delivers asynchronously produced replies to the transport.
// Replies produced synchronously are returned from the Handle methods.
type Notifier interface {
	Notify(userID string, replies ...flow.Reply)
}

// MetadataFunc builds the opaque traceability bag sent with a booking.
type MetadataFunc func(userID string) map[string]string

type Config struct {
	Store    session.Store
	Client   SchedulingClient
	Gate     AccessGate
	Machine  *flow.Machine
	Notifier Notifier
	Logger   *slog.Logger

	IdleTimeout time.Duration
	Metadata    MetadataFunc
}

type Engine struct {
	store    session.Store
	client   SchedulingClient
	gate     AccessGate
	machine  *flow.Machine
	notifier Notifier
	log      *slog.Logger

	idleTimeout time.Duration
	metadata    MetadataFunc
	now         func() time.Time

	locks sync.Map // userID -> *sync.Mutex
	wg    sync.WaitGroup
}

func New(cfg Config) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metadata == nil {
		cfg.Metadata = func(userID string) map[string]string {
			return map[string]string{"source": "chat", "user_id": userID}
		}
	}
	return &Engine{
		store:       cfg.Store,
		client:      cfg.Client,
		gate:        cfg.Gate,
		machine:     cfg.Machine,
		notifier:    cfg.Notifier,
		log:         cfg.Logger,
		idleTimeout: cfg.IdleTimeout,
		metadata:    cfg.Metadata,
		now:         time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// StartSession consults the access gate and, when allowed, allocates a
// fresh attempt and returns the opening prompt. A denied user gets a
// single notice and no record is allocated.
func (e *Engine) StartSession(ctx context.Context, userID string) ([]flow.Reply, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ok, err := e.gate.IsAuthorized(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		created, err := e.gate.RecordRequest(ctx, userID, userID, "")
		if err != nil {
			return nil, err
		}
		e.log.Info("booking denied by access gate", "user", userID, "request_created", created)
		e.locks.Delete(userID)
		text := "This service is for approved users only. Your access request is pending review."
		if created {
			text = "This service is for approved users only. An access request has been recorded."
		}
		return []flow.Reply{{Kind: flow.ReplyNotice, Text: text}}, nil
	}

	// A restart discards any in-progress attempt. The fresh attempt ID
	// orphans the old attempt's in-flight completions.
	existed := false
	if _, err := e.store.Get(ctx, userID); err == nil {
		existed = true
	}

	now := e.now()
	a := &session.Attempt{
		UserID:    userID,
		ID:        uuid.NewString(),
		StartedAt: now,
		UpdatedAt: now,
	}
	replies := e.machine.Begin(a)
	if err := e.store.Put(ctx, a); err != nil {
		return nil, err
	}
	if !existed {
		metrics.ActiveSessions.Inc()
	}
	return replies, nil
}

// HandleText feeds a plain text input into the user's session.
func (e *Engine) HandleText(ctx context.Context, userID, text string) ([]flow.Reply, error) {
	return e.handle(ctx, userID, func(a *session.Attempt) ([]flow.Reply, flow.Command) {
		return e.machine.HandleText(a, text)
	})
}

// HandleSelect feeds a discrete selection input into the user's session.
func (e *Engine) HandleSelect(ctx context.Context, userID, data string) ([]flow.Reply, error) {
	return e.handle(ctx, userID, func(a *session.Attempt) ([]flow.Reply, flow.Command) {
		return e.machine.HandleSelect(a, data)
	})
}

// Cancel ends the user's session from any state. An upstream call still
// in flight is left to finish; its result will be discarded.
func (e *Engine) Cancel(ctx context.Context, userID string) ([]flow.Reply, error) {
	return e.handle(ctx, userID, func(a *session.Attempt) ([]flow.Reply, flow.Command) {
		return e.machine.Cancel(a), flow.Command{}
	})
}

func (e *Engine) handle(ctx context.Context, userID string, fn func(*session.Attempt) ([]flow.Reply, flow.Command)) ([]flow.Reply, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			e.locks.Delete(userID)
			return []flow.Reply{{
				Kind: flow.ReplyNotice,
				Text: "No booking in progress. Start a new one first.",
			}}, nil
		}
		return nil, err
	}

	replies, cmd := fn(a)
	a.UpdatedAt = e.now()
	if err := e.persist(ctx, a); err != nil {
		return nil, err
	}
	if cmd.Kind != flow.CmdNone {
		e.dispatch(ctx, userID, cmd)
	}
	return replies, nil
}

func (e *Engine) persist(ctx context.Context, a *session.Attempt) error {
	if a.State.Terminal() {
		if err := e.store.Delete(ctx, a.UserID); err != nil {
			return err
		}
		// A goroutine racing the eviction re-creates the entry; late
		// completions are guarded by the attempt ID, not the lock.
		e.locks.Delete(a.UserID)
		metrics.ActiveSessions.Dec()
		return nil
	}
	return e.store.Put(ctx, a)
}

// dispatch runs an upstream command in its own goroutine. The call is
// detached from the inbound request's cancellation: a session cancelled
// mid-flight lets the call finish and discards the result.
func (e *Engine) dispatch(ctx context.Context, userID string, cmd flow.Command) {
	callCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		switch cmd.Kind {
		case flow.CmdFetchAvailability:
			w, err := e.client.FetchAvailability(callCtx, cmd.Range, cmd.Zone)
			e.complete(callCtx, userID, cmd, session.StateAvailabilityWait,
				func(a *session.Attempt) []flow.Reply {
					return e.machine.AvailabilityReady(a, w, err)
				})
		case flow.CmdCreateBooking:
			res, err := e.client.CreateBooking(callCtx, cmd.Slot, cmd.Attendee, e.metadata(userID))
			e.complete(callCtx, userID, cmd, session.StateSubmitWait,
				func(a *session.Attempt) []flow.Reply {
					return e.machine.SubmitFinished(a, res, err)
				})
		}
	}()
}

// complete applies an upstream result to the session, unless the
// session has moved on (cancelled, restarted, timed out) since the call
// was issued. The attempt ID is the authoritative guard: a successor
// attempt can reach the same state and generation, but never the same
// ID.
func (e *Engine) complete(ctx context.Context, userID string, cmd flow.Command, want session.State, apply func(*session.Attempt) []flow.Reply) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			e.log.Error("load session for completion", "user", userID, "err", err)
		}
		e.locks.Delete(userID)
		return
	}
	if a.ID != cmd.AttemptID || a.State != want || a.Generation != cmd.Generation {
		e.log.Debug("discarding stale upstream result",
			"user", userID, "state", a.State, "attempt", a.ID, "expected", cmd.AttemptID)
		return
	}

	replies := apply(a)
	a.UpdatedAt = e.now()
	if err := e.persist(ctx, a); err != nil {
		e.log.Error("persist session after completion", "user", userID, "err", err)
		return
	}
	e.notifier.Notify(userID, replies...)
}

// Run drives the idle-timeout sweep until ctx is done, then waits for
// outstanding upstream calls to settle.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-t.C:
			e.SweepIdle(ctx)
		}
	}
}

// SweepIdle cancels every session without input for the idle timeout.
func (e *Engine) SweepIdle(ctx context.Context) {
	cutoff := e.now().Add(-e.idleTimeout)
	ids, err := e.store.IdleBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("idle sweep scan", "err", err)
		return
	}
	for _, userID := range ids {
		e.expire(ctx, userID, cutoff)
	}
}

func (e *Engine) expire(ctx context.Context, userID string, cutoff time.Time) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.store.Get(ctx, userID)
	if err != nil {
		return
	}
	if !a.UpdatedAt.Before(cutoff) || a.State.Terminal() {
		return
	}
	e.log.Info("booking session timed out", "user", userID, "state", a.State)
	replies := e.machine.Timeout(a)
	if err := e.persist(ctx, a); err != nil {
		e.log.Error("persist timed-out session", "user", userID, "err", err)
		return
	}
	e.notifier.Notify(userID, replies...)
}
