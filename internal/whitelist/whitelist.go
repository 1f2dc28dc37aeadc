// Package whitelist is the access-control store behind the engine's
// access gate: approved users may book, unknown users leave a pending
// access request for an operator to approve or reject.
package whitelist

import (
	"context"
	"time"

	"github.com/example/calbooker/internal/db"
)

type Entry struct {
	UserID      string
	DisplayName string
	Username    string
	ApprovedAt  time.Time
	ApprovedBy  string
}

type Request struct {
	UserID      string
	DisplayName string
	Username    string
	RequestedAt time.Time
	Status      string // pending, approved, rejected
}

type Service struct {
	db *db.DB
}

func New(d *db.DB) *Service { return &Service{db: d} }

// IsAuthorized implements the engine's access gate.
func (s *Service) IsAuthorized(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM whitelist WHERE user_id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, db.WrapNotFound(err)
	}
	return exists, nil
}

// Approve adds or refreshes a whitelist entry.
func (s *Service) Approve(ctx context.Context, userID, displayName, username, approvedBy string) error {
	return s.db.Exec(ctx, `
INSERT INTO whitelist(user_id, display_name, username, approved_at, approved_by)
VALUES ($1,$2,$3,now(),$4)
ON CONFLICT (user_id) DO UPDATE SET
    display_name = excluded.display_name,
    username     = excluded.username,
    approved_at  = excluded.approved_at,
    approved_by  = excluded.approved_by`,
		userID, displayName, username, approvedBy)
}

// Revoke removes a user from the whitelist.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	return s.db.Exec(ctx, `DELETE FROM whitelist WHERE user_id=$1`, userID)
}

// Entry returns the whitelist entry for a user.
func (s *Service) Entry(ctx context.Context, userID string) (Entry, error) {
	var e Entry
	err := s.db.QueryRow(ctx, `
SELECT user_id, display_name, COALESCE(username,''), approved_at, approved_by
FROM whitelist WHERE user_id=$1`, userID).
		Scan(&e.UserID, &e.DisplayName, &e.Username, &e.ApprovedAt, &e.ApprovedBy)
	return e, db.WrapNotFound(err)
}

// ListApproved returns the whitelist ordered by approval time.
func (s *Service) ListApproved(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
SELECT user_id, display_name, COALESCE(username,''), approved_at, approved_by
FROM whitelist ORDER BY approved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.UserID, &e.DisplayName, &e.Username, &e.ApprovedAt, &e.ApprovedBy); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordRequest stores a pending access request. Returns true when a
// new request was created, false when one already existed.
func (s *Service) RecordRequest(ctx context.Context, userID, displayName, username string) (bool, error) {
	n, err := s.db.ExecAffected(ctx, `
INSERT INTO access_requests(user_id, display_name, username, requested_at, status)
VALUES ($1,$2,$3,now(),'pending')
ON CONFLICT (user_id) DO NOTHING`,
		userID, displayName, username)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingRequests lists requests awaiting a decision, oldest first.
func (s *Service) PendingRequests(ctx context.Context) ([]Request, error) {
	rows, err := s.db.Query(ctx, `
SELECT user_id, display_name, COALESCE(username,''), requested_at, status
FROM access_requests WHERE status='pending' ORDER BY requested_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.UserID, &r.DisplayName, &r.Username, &r.RequestedAt, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApproveRequest approves a pending request and whitelists the user.
// Returns false when no pending request exists for the user.
func (s *Service) ApproveRequest(ctx context.Context, userID, approvedBy string) (bool, error) {
	var r Request
	err := s.db.QueryRow(ctx, `
SELECT user_id, display_name, COALESCE(username,''), requested_at, status
FROM access_requests WHERE user_id=$1`, userID).
		Scan(&r.UserID, &r.DisplayName, &r.Username, &r.RequestedAt, &r.Status)
	if err != nil {
		if db.IsNotFound(db.WrapNotFound(err)) {
			return false, nil
		}
		return false, db.WrapNotFound(err)
	}
	if r.Status != "pending" {
		return false, nil
	}

	if err := s.Approve(ctx, r.UserID, r.DisplayName, r.Username, approvedBy); err != nil {
		return false, err
	}
	if err := s.db.Exec(ctx, `UPDATE access_requests SET status='approved' WHERE user_id=$1`, userID); err != nil {
		return false, err
	}
	return true, nil
}

// RejectRequest rejects a pending request. Returns false when no
// pending request exists for the user.
func (s *Service) RejectRequest(ctx context.Context, userID string) (bool, error) {
	n, err := s.db.ExecAffected(ctx, `
UPDATE access_requests SET status='rejected' WHERE user_id=$1 AND status='pending'`, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
