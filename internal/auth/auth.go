package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/example/calbooker/internal/db"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

// Store authenticates admin web operators and manages their session
// cookie.
type Store struct {
	sc *securecookie.SecureCookie
	db *db.DB
}

type ctxKey string

const adminIDKey ctxKey = "adminID"

func NewStore(d *db.DB, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int((14 * 24 * time.Hour).Seconds()))
	return &Store{sc: sc, db: d}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) CreateAdmin(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `INSERT INTO admins(username, password_bcrypt) VALUES ($1,$2)`, username, hash)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var hash string
	err := s.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM admins WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return 0, db.WrapNotFound(err)
	}
	if !CheckPassword(hash, password) {
		return 0, errors.New("invalid credentials")
	}
	return id, nil
}

type Session struct {
	AdminID int64
}

const cookieName = "calbooker_admin"

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, adminID int64) error {
	val := map[string]any{"aid": adminID, "v": 1}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int((14 * 24 * time.Hour).Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]any{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	idAny, ok := val["aid"]
	if !ok {
		return Session{}, false
	}
	switch id := idAny.(type) {
	case int64:
		if id > 0 {
			return Session{AdminID: id}, true
		}
	case float64:
		if id > 0 {
			return Session{AdminID: int64(id)}, true
		}
	}
	return Session{}, false
}

func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), adminIDKey, sess.AdminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func AdminIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(adminIDKey).(int64)
	return id, ok
}
