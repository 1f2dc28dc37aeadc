// Package notify delivers asynchronously produced replies to the
// external transport. The core stays agnostic to chat-protocol framing;
// this is just JSON over a callback URL, with a logging fallback.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/calbooker/internal/flow"
)

// Payload is the outbound envelope the transport receives.
type Payload struct {
	UserID  string       `json:"user_id"`
	Replies []flow.Reply `json:"replies"`
}

// HTTPNotifier POSTs reply payloads to the transport's callback URL.
type HTTPNotifier struct {
	hc  *http.Client
	url string
	log *slog.Logger
}

func NewHTTPNotifier(callbackURL string, log *slog.Logger) *HTTPNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPNotifier{
		hc:  &http.Client{Timeout: 10 * time.Second},
		url: callbackURL,
		log: log,
	}
}

func (n *HTTPNotifier) Notify(userID string, replies ...flow.Reply) {
	if len(replies) == 0 {
		return
	}
	body, err := json.Marshal(Payload{UserID: userID, Replies: replies})
	if err != nil {
		n.log.Error("encode notify payload", "user", userID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Error("build notify request", "user", userID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := n.hc.Do(req)
	if err != nil {
		n.log.Error("deliver notify", "user", userID, "err", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		n.log.Error("notify rejected by transport", "user", userID, "status", res.StatusCode)
	}
}

// LogNotifier logs replies instead of delivering them. Used when no
// callback URL is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(userID string, replies ...flow.Reply) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	for _, r := range replies {
		log.Info("reply (no transport callback configured)",
			"user", userID, "kind", r.Kind, "text", r.Text)
	}
}
