package auth

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/sessions"
)

const (
	SessionName = "imagehost_session"
	userIDKey   = "user_id"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// NewCookieStore signs session cookies with secret. Cookies live 30 days.
func NewCookieStore(secret string, secure bool) *sessions.CookieStore {
	maxAge := 86400 * 30
	store := sessions.NewCookieStore([]byte(secret))
	store.MaxAge(maxAge)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.Secure = secure
	store.Options.SameSite = http.SameSiteLaxMode
	return store
}

type Sessions struct {
	store sessions.Store
}

func NewSessions(store sessions.Store) *Sessions {
	return &Sessions{store: store}
}

// Login binds userID to the caller's session cookie.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, userID uint) error {
	session, _ := s.store.Get(r, SessionName)
	session.Values[userIDKey] = userID
	return session.Save(r, w)
}

// Logout expires the session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, SessionName)
	delete(session.Values, userIDKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func (s *Sessions) userID(r *http.Request) (uint, bool) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return 0, false
	}
	id, ok := session.Values[userIDKey].(uint)
	return id, ok && id != 0
}

// Middleware puts the session's user ID, if any, on the request context.
// Tampered or expired cookies are treated as anonymous.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := s.userID(r); ok {
			r = r.WithContext(WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, userIDContextKey, id)
}

func UserID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(userIDContextKey).(uint)
	return id, ok
}

// RequireUser redirects anonymous callers to the login page, remembering
// where they were headed.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r.Context()); !ok {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SafeNext returns next when it is a local absolute path, otherwise fallback.
func SafeNext(next, fallback string) string {
	if next == "" || next[0] != '/' || (len(next) > 1 && (next[1] == '/' || next[1] == '\\')) {
		return fallback
	}
	return next
}
