// Package web serves the operator surface: admin login, access-request
// approval, health and metrics, plus the JSON session API the external
// transport process calls.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/calbooker/internal/auth"
	"github.com/example/calbooker/internal/flow"
	"github.com/example/calbooker/internal/whitelist"
)

//go:embed templates/*.html
var fs embed.FS

// BookingEngine is the slice of the engine the session API needs.
type BookingEngine interface {
	StartSession(ctx context.Context, userID string) ([]flow.Reply, error)
	HandleText(ctx context.Context, userID, text string) ([]flow.Reply, error)
	HandleSelect(ctx context.Context, userID, data string) ([]flow.Reply, error)
	Cancel(ctx context.Context, userID string) ([]flow.Reply, error)
}

type Server struct {
	Auth      *auth.Store
	Whitelist *whitelist.Service
	Engine    BookingEngine
	Log       *slog.Logger
}

type tmplData struct {
	Title string
	Admin int64

	Flash    string
	Requests []whitelist.Request
	Approved []whitelist.Entry
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/login", s.handleLoginForm)
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)
		r.Get("/", s.handleHome)
		r.Post("/requests/{userID}/approve", s.handleApprove)
		r.Post("/requests/{userID}/reject", s.handleReject)
		r.Post("/whitelist/{userID}/revoke", s.handleRevoke)
	})

	// Session API for the transport process.
	r.Route("/api/session/{userID}", func(r chi.Router) {
		r.Post("/start", s.sessionInput(func(ctx context.Context, userID, _ string) ([]flow.Reply, error) {
			return s.Engine.StartSession(ctx, userID)
		}))
		r.Post("/text", s.sessionInput(func(ctx context.Context, userID, v string) ([]flow.Reply, error) {
			return s.Engine.HandleText(ctx, userID, v)
		}))
		r.Post("/select", s.sessionInput(func(ctx context.Context, userID, v string) ([]flow.Reply, error) {
			return s.Engine.HandleSelect(ctx, userID, v)
		}))
		r.Post("/cancel", s.sessionInput(func(ctx context.Context, userID, _ string) ([]flow.Reply, error) {
			return s.Engine.Cancel(ctx, userID)
		}))
	})

	return r
}

type inputRequest struct {
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

type inputResponse struct {
	Replies []flow.Reply `json:"replies"`
}

func (s *Server) sessionInput(fn func(ctx context.Context, userID, value string) ([]flow.Reply, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(chi.URLParam(r, "userID"))
		if userID == "" {
			http.Error(w, "user id required", http.StatusBadRequest)
			return
		}
		var in inputRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		value := in.Text
		if value == "" {
			value = in.Data
		}
		replies, err := fn(r.Context(), userID, value)
		if err != nil {
			s.Log.Error("session input failed", "user", userID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(inputResponse{Replies: replies})
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	aid, _ := auth.AdminIDFromContext(r.Context())
	pending, err := s.Whitelist.PendingRequests(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	approved, err := s.Whitelist.ListApproved(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.render(w, "templates/requests.html", tmplData{
		Title:    "Access requests",
		Admin:    aid,
		Flash:    r.URL.Query().Get("flash"),
		Requests: pending,
		Approved: approved,
	})
}

func (s *Server) handleLoginForm(w http.ResponseWriter, _ *http.Request) {
	s.render(w, "templates/login.html", tmplData{Title: "Login"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	id, err := s.Auth.Authenticate(r.Context(), username, password)
	if err != nil {
		s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	aid, _ := auth.AdminIDFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	ok, err := s.Whitelist.ApproveRequest(r.Context(), userID, fmt.Sprintf("admin:%d", aid))
	s.decisionResult(w, r, userID, "approved", ok, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ok, err := s.Whitelist.RejectRequest(r.Context(), userID)
	s.decisionResult(w, r, userID, "rejected", ok, err)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.Whitelist.Revoke(r.Context(), userID)
	s.decisionResult(w, r, userID, "revoked", err == nil, err)
}

func (s *Server) decisionResult(w http.ResponseWriter, r *http.Request, userID, verb string, ok bool, err error) {
	if err != nil {
		s.Log.Error("whitelist decision failed", "user", userID, "action", verb, "err", err)
		http.Redirect(w, r, "/?flash=Something+went+wrong", http.StatusFound)
		return
	}
	if !ok {
		http.Redirect(w, r, "/?flash=No+pending+request+for+"+userID, http.StatusFound)
		return
	}
	s.Log.Info("whitelist decision", "user", userID, "action", verb)
	http.Redirect(w, r, "/?flash=User+"+userID+"+"+verb, http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	t, err := template.ParseFS(fs, "templates/base.html", name)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
	}
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}
