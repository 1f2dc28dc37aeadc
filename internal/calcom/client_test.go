package calcom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/cache"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		APIVersion:     "2024-06-14",
		EventTypeID:    42,
		RetryBaseDelay: time.Second,
	}, cache.New(time.Minute), nil)

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func testRange() booking.DateRange {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return booking.DateRange{From: from, To: from.AddDate(0, 0, 14)}
}

func TestFetchAvailabilityParsesAndSorts(t *testing.T) {
	var gotQuery, gotAuth, gotVersion string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("cal-api-version")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"slots": map[string]any{
					"2026-03-03": []map[string]string{
						{"time": "2026-03-03T12:00:00+03:00"},
						{"time": "2026-03-03T09:00:00Z"},
					},
					"2026-03-02": []map[string]string{
						{"time": "2026-03-02T10:00:00Z"},
					},
				},
			},
		})
	}))

	w, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
	require.NoError(t, err)

	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, "2024-06-14", gotVersion)
	require.Contains(t, gotQuery, "eventTypeId=42")
	require.Contains(t, gotQuery, "timeZone=Europe%2FMoscow")

	require.Len(t, w.Days, 2)
	require.Equal(t, "2026-03-02", w.Days[0].Date)
	require.Equal(t, "2026-03-03", w.Days[1].Date)
	// Offsets normalized to UTC, slots ordered within the day.
	require.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), w.Days[1].Slots[0].Start)
	require.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), w.Days[1].Slots[1].Start)
}

func TestFetchAvailabilityCached(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data":{"slots":{}}}`))
	}))

	ctx := context.Background()
	_, err := c.FetchAvailability(ctx, testRange(), "Europe/Moscow")
	require.NoError(t, err)
	_, err = c.FetchAvailability(ctx, testRange(), "Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A different zone is a different query.
	_, err = c.FetchAvailability(ctx, testRange(), "Asia/Omsk")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	var calls int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"slots":{}}}`))
	}))

	_, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRetryExhaustion(t *testing.T) {
	var calls int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, KindTransient, apiErr.Kind)

	// Initial attempt plus three retries, backoff doubling each time.
	require.Equal(t, int32(4), atomic.LoadInt32(&calls))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"slots":{}}}`))
	}))

	_, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
	require.NoError(t, err)
	// Hint (7s) is larger than the backoff (1s), so the hint wins.
	require.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

func TestRateLimitKeepsLargerBackoff(t *testing.T) {
	var calls int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"slots":{}}}`))
	}))

	_, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
	require.NoError(t, err)
	// Third delay: backoff 4s exceeds the 1s hint.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestConflictNeverRetried(t *testing.T) {
	var calls int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}))

	_, err := c.CreateBooking(context.Background(),
		booking.Slot{Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		booking.Attendee{Name: "Ivan", Email: "ivan@example.com", TimeZone: "Europe/Moscow"},
		nil)
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, KindConflict, apiErr.Kind)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Empty(t, *slept)
}

func TestInvalidNeverRetried(t *testing.T) {
	for _, status := range []int{400, 404, 422} {
		var calls int32
		c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
		}))

		_, err := c.FetchAvailability(context.Background(), testRange(), "Europe/Moscow")
		require.Error(t, err, status)

		apiErr, ok := AsAPIError(err)
		require.True(t, ok, status)
		require.Equal(t, KindInvalid, apiErr.Kind, status)
		require.Equal(t, int32(1), atomic.LoadInt32(&calls), status)
		require.Empty(t, *slept, status)
	}
}

func TestAuthNeverRetried(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.Ping(context.Background())
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, KindAuth, apiErr.Kind)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateBookingInvalidatesCache(t *testing.T) {
	var availCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/slots/available", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&availCalls, 1)
		_, _ = w.Write([]byte(`{"data":{"slots":{"2026-03-02":[{"time":"2026-03-02T09:00:00Z"}]}}}`))
	})
	mux.HandleFunc("/bookings", func(w http.ResponseWriter, r *http.Request) {
		var req BookingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 42, req.EventTypeID)
		require.Equal(t, "2026-03-02T09:00:00Z", req.Start)
		require.Equal(t, "en", req.Attendee.Language)
		require.Equal(t, "chat", req.Metadata["source"])

		_, _ = w.Write([]byte(`{"data":{"id":101,"uid":"abc","title":"Consultation",
			"start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:30:00Z","status":"accepted"}}`))
	})
	c, _ := testClient(t, mux)

	ctx := context.Background()
	_, err := c.FetchAvailability(ctx, testRange(), "Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&availCalls))

	res, err := c.CreateBooking(ctx,
		booking.Slot{Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		booking.Attendee{Name: "Ivan", Email: "ivan@example.com", TimeZone: "Europe/Moscow"},
		map[string]string{"source": "chat"})
	require.NoError(t, err)
	require.Equal(t, int64(101), res.ID)
	require.Equal(t, "abc", res.UID)
	require.Equal(t, "accepted", res.Status)
	require.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), res.Start)

	// The booking purged the cached window; the next read refetches.
	_, err = c.FetchAvailability(ctx, testRange(), "Europe/Moscow")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&availCalls))
}

func TestRateLimitDelayHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	d, ok := rateLimitDelay(h)
	require.True(t, ok)
	require.Equal(t, 12*time.Second, d)

	h = http.Header{}
	h.Set("X-RateLimit-Reset", "0") // in the past
	_, ok = rateLimitDelay(h)
	require.False(t, ok)

	_, ok = rateLimitDelay(nil)
	require.False(t, ok)
}
