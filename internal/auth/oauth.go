package auth

import (
	"github.com/gorilla/sessions"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"
)

// UseGoogle registers the Google provider for /auth/google when credentials
// are configured and reports whether OAuth login is available. gothic keeps
// its state in store.
func UseGoogle(key, secret, callbackURL string, store sessions.Store) bool {
	if key == "" || secret == "" {
		return false
	}
	goth.UseProviders(google.New(key, secret, callbackURL, "email", "profile"))
	gothic.Store = store
	return true
}
