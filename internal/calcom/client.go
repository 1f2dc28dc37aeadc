// Package calcom is a resilient client for the Cal.com v2 API. It
// issues the two upstream operations the booking flow needs (query
// availability, create booking) behind a shared retry policy, and
// routes availability reads through the shared cache.
package calcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/calbooker/internal/booking"
	"github.com/example/calbooker/internal/cache"
	"github.com/example/calbooker/internal/metrics"
)

const defaultBaseURL = "https://api.cal.com/v2"

// Config carries the upstream credentials and retry policy.
type Config struct {
	BaseURL     string
	APIKey      string
	APIVersion  string // cal-api-version header, e.g. "2024-06-14"
	EventTypeID int

	// MaxRetries is the number of retries after the initial attempt.
	// Delays double from RetryBaseDelay: 1s, 2s, 4s by default.
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type Client struct {
	hc    *http.Client
	cfg   Config
	cache *cache.Cache
	log   *slog.Logger

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, c *cache.Cache, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		hc:    &http.Client{Timeout: 30 * time.Second},
		cfg:   cfg,
		cache: c,
		log:   log,
		sleep: sleepCtx,
	}
}

// EventTypeID returns the single configured event type.
func (c *Client) EventTypeID() int { return c.cfg.EventTypeID }

// Ping verifies the API key by fetching the authenticated profile.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doWithRetry(ctx, "ping", http.MethodGet, "/me", nil, nil)
	return err
}

// FetchAvailability returns the slots for the configured event type in
// the given range and zone, served from the cache when fresh.
func (c *Client) FetchAvailability(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error) {
	key := cache.KeyFor(c.cfg.EventTypeID, rng, zone)
	return c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (booking.AvailabilityWindow, error) {
		return c.fetchAvailability(ctx, rng, zone)
	})
}

type availabilityResponse struct {
	Data struct {
		Slots map[string][]struct {
			Time string `json:"time"`
		} `json:"slots"`
	} `json:"data"`
}

func (c *Client) fetchAvailability(ctx context.Context, rng booking.DateRange, zone string) (booking.AvailabilityWindow, error) {
	q := url.Values{}
	q.Set("eventTypeId", strconv.Itoa(c.cfg.EventTypeID))
	q.Set("startTime", rng.From.UTC().Format("2006-01-02")+"T00:00:00Z")
	q.Set("endTime", rng.To.UTC().Format("2006-01-02")+"T23:59:59Z")
	q.Set("timeZone", zone)

	body, err := c.doWithRetry(ctx, "fetch_availability", http.MethodGet, "/slots/available", q, nil)
	if err != nil {
		return booking.AvailabilityWindow{}, err
	}

	var resp availabilityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return booking.AvailabilityWindow{}, &APIError{Kind: KindInvalid, Message: fmt.Sprintf("parse availability: %v", err)}
	}

	w := booking.AvailabilityWindow{
		EventTypeID: c.cfg.EventTypeID,
		Range:       rng,
		Zone:        zone,
	}
	dates := make([]string, 0, len(resp.Data.Slots))
	for d := range resp.Data.Slots {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		day := booking.Day{Date: d}
		for _, s := range resp.Data.Slots[d] {
			// Upstream timestamps are opaque instants; trust only the
			// offset, never the localization.
			t, err := time.Parse(time.RFC3339, s.Time)
			if err != nil {
				c.log.Warn("skipping unparseable slot", "date", d, "time", s.Time)
				continue
			}
			day.Slots = append(day.Slots, booking.Slot{Start: t.UTC()})
		}
		if len(day.Slots) == 0 {
			continue
		}
		sort.Slice(day.Slots, func(i, j int) bool { return day.Slots[i].Start.Before(day.Slots[j].Start) })
		w.Days = append(w.Days, day)
	}
	return w, nil
}

// BookingRequest is the create-booking payload.
type BookingRequest struct {
	EventTypeID int               `json:"eventTypeId"`
	Start       string            `json:"start"` // UTC, 2006-01-02T15:04:05Z
	Attendee    booking.Attendee  `json:"attendee"`
	Metadata    map[string]string `json:"metadata"`
}

type bookingResponse struct {
	Data struct {
		ID     int64  `json:"id"`
		UID    string `json:"uid"`
		Title  string `json:"title"`
		Start  string `json:"start"`
		End    string `json:"end"`
		Status string `json:"status"`
	} `json:"data"`
}

// CreateBooking books the slot for the attendee. A 409 conflict is
// surfaced once, unretried, so the caller can prune the slot. On
// success every cached window for the event is invalidated before the
// result is returned.
func (c *Client) CreateBooking(ctx context.Context, slot booking.Slot, att booking.Attendee, meta map[string]string) (booking.Result, error) {
	if att.Language == "" {
		att.Language = "en"
	}
	req := BookingRequest{
		EventTypeID: c.cfg.EventTypeID,
		Start:       slot.Start.UTC().Format("2006-01-02T15:04:05Z"),
		Attendee:    att,
		Metadata:    meta,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return booking.Result{}, err
	}

	body, err := c.doWithRetry(ctx, "create_booking", http.MethodPost, "/bookings", nil, payload)
	if err != nil {
		metrics.Bookings.WithLabelValues("error").Inc()
		return booking.Result{}, err
	}

	var resp bookingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.Bookings.WithLabelValues("error").Inc()
		return booking.Result{}, &APIError{Kind: KindInvalid, Message: fmt.Sprintf("parse booking: %v", err)}
	}

	res := booking.Result{
		ID:       resp.Data.ID,
		UID:      resp.Data.UID,
		Title:    resp.Data.Title,
		Status:   resp.Data.Status,
		Attendee: att,
	}
	if t, err := time.Parse(time.RFC3339, resp.Data.Start); err == nil {
		res.Start = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, resp.Data.End); err == nil {
		res.End = t.UTC()
	}

	c.cache.Invalidate(c.cfg.EventTypeID)
	metrics.Bookings.WithLabelValues("confirmed").Inc()
	return res, nil
}

// doWithRetry runs one request under the shared retry policy and
// returns the response body on success.
func (c *Client) doWithRetry(ctx context.Context, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	var lastErr *APIError

	for attempt := 0; ; attempt++ {
		status, header, respBody, err := c.do(ctx, method, path, query, body)
		switch {
		case err != nil:
			lastErr = &APIError{Kind: KindTransient, Message: err.Error()}
		case status < 400:
			metrics.UpstreamRequests.WithLabelValues(op, "success").Inc()
			return respBody, nil
		default:
			apiErr := &APIError{
				Kind:       classifyStatus(status),
				StatusCode: status,
				Message:    truncate(string(respBody), 200),
			}
			if !apiErr.Retryable() {
				metrics.UpstreamRequests.WithLabelValues(op, string(apiErr.Kind)).Inc()
				c.log.Error("cal.com request failed", "op", op, "status", status, "kind", apiErr.Kind)
				return nil, apiErr
			}
			lastErr = apiErr
		}

		if attempt >= c.cfg.MaxRetries {
			metrics.UpstreamRequests.WithLabelValues(op, string(lastErr.Kind)).Inc()
			return nil, lastErr
		}

		delay := c.cfg.RetryBaseDelay << uint(attempt)
		if lastErr.Kind == KindRateLimited {
			if hint, ok := rateLimitDelay(header); ok && hint > delay {
				delay = hint
			}
		}
		metrics.UpstreamRetries.WithLabelValues(op).Inc()
		c.log.Warn("retrying cal.com request",
			"op", op, "attempt", attempt+1, "kind", lastErr.Kind, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, http.Header, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("cal-api-version", c.cfg.APIVersion)
	req.Header.Set("Content-Type", "application/json")
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, res.Header, nil, err
	}
	return res.StatusCode, res.Header, b, nil
}

// rateLimitDelay reads the upstream reset hint, if any. Retry-After
// takes seconds or an HTTP date; X-RateLimit-Reset takes unix seconds.
func rateLimitDelay(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
