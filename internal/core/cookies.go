package core

import (
	"net/http"
	"time"

	"coursegate/internal/auth"
)

// SessionIDFromRequest returns the session cookie value or "".
func SessionIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSessionCookie writes the HttpOnly session cookie. secure is false
// only for local development over plain HTTP.
func SetSessionCookie(w http.ResponseWriter, sessionID string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SecureCookies reports whether cookies must be marked Secure.
func (s *Server) SecureCookies() bool {
	return s.secureCookies()
}
