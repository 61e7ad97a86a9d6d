package handlers

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/markbates/goth/gothic"
	"go.uber.org/zap"

	"github.com/petermazzocco/imagehost/internal/auth"
	"github.com/petermazzocco/imagehost/internal/render"
	"github.com/petermazzocco/imagehost/internal/store"
	"github.com/petermazzocco/imagehost/models"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 150

	msgBadLogin = "Please enter a correct username and password. Note that both fields may be case-sensitive."
)

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

type basePage struct {
	User *models.User
}

// currentPage loads the signed-in user for the navigation bar. A session that
// points at a deleted account renders as anonymous.
func currentPage(r *http.Request, users *store.UserStore) basePage {
	id, ok := auth.UserID(r.Context())
	if !ok {
		return basePage{}
	}
	user, err := users.FindByID(r.Context(), id)
	if err != nil {
		return basePage{}
	}
	return basePage{User: user}
}

func renderPage(w http.ResponseWriter, rend *render.Renderer, log *zap.Logger, status int, name string, data any) {
	if err := rend.HTML(w, status, name, data); err != nil {
		log.Error("Failed to render page", zap.String("page", name), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

type UserHandler struct {
	Users    *store.UserStore
	Sessions *auth.Sessions
	Render   *render.Renderer
	Log      *zap.Logger
	// OAuth is true when a goth provider is registered.
	OAuth bool
}

type registerPage struct {
	basePage
	Username    string
	FieldErrors map[string][]string
}

type loginPage struct {
	basePage
	Username string
	Next     string
	Error    string
	OAuth    bool
}

func (h *UserHandler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	renderPage(w, h.Render, h.Log, http.StatusOK, "register", registerPage{basePage: currentPage(r, h.Users)})
}

func validateRegistration(username, password1, password2 string) map[string][]string {
	errs := make(map[string][]string)
	switch {
	case username == "":
		errs["username"] = append(errs["username"], msgRequired)
	case len(username) > maxUsernameLength:
		errs["username"] = append(errs["username"], "Ensure this value has at most 150 characters.")
	case !usernamePattern.MatchString(username):
		errs["username"] = append(errs["username"], "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters.")
	}

	switch {
	case password1 == "":
		errs["password1"] = append(errs["password1"], msgRequired)
	case len(password1) < minPasswordLength:
		errs["password1"] = append(errs["password1"], "This password is too short. It must contain at least 8 characters.")
	}

	if password2 == "" {
		errs["password2"] = append(errs["password2"], msgRequired)
	} else if password1 != password2 {
		errs["password2"] = append(errs["password2"], "The two password fields didn't match.")
	}
	return errs
}

func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	page := registerPage{basePage: currentPage(r, h.Users), Username: username}

	page.FieldErrors = validateRegistration(username, r.PostFormValue("password1"), r.PostFormValue("password2"))
	if len(page.FieldErrors) > 0 {
		renderPage(w, h.Render, h.Log, http.StatusBadRequest, "register", page)
		return
	}

	user, err := h.Users.Register(r.Context(), username, r.PostFormValue("password1"))
	if errors.Is(err, store.ErrUsernameTaken) {
		page.FieldErrors["username"] = []string{"A user with that username already exists."}
		renderPage(w, h.Render, h.Log, http.StatusBadRequest, "register", page)
		return
	}
	if err != nil {
		h.Log.Error("Failed to create user", zap.Error(err))
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	h.Log.Info("User registered", zap.Uint("user_id", user.ID), zap.String("username", user.Username))
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *UserHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	page := loginPage{
		basePage: currentPage(r, h.Users),
		Next:     r.URL.Query().Get("next"),
		OAuth:    h.OAuth,
	}
	renderPage(w, h.Render, h.Log, http.StatusOK, "login", page)
}

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	next := r.PostFormValue("next")

	user, err := h.Users.Authenticate(r.Context(), username, r.PostFormValue("password"))
	if errors.Is(err, store.ErrInvalidCredentials) {
		h.Log.Info("Login failed", zap.String("username", username))
		page := loginPage{Username: username, Next: next, Error: msgBadLogin, OAuth: h.OAuth}
		renderPage(w, h.Render, h.Log, http.StatusBadRequest, "login", page)
		return
	}
	if err != nil {
		h.Log.Error("Database error", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	if err := h.Sessions.Login(w, r, user.ID); err != nil {
		h.Log.Error("Failed to save session", zap.Error(err))
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, auth.SafeNext(next, "/images"), http.StatusFound)
}

func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Logout(w, r); err != nil {
		h.Log.Error("Failed to clear session", zap.Error(err))
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// BeginOAuth starts the provider's login flow, or finishes it straight away
// when gothic already holds a completed session.
func (h *UserHandler) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	r = gothic.GetContextWithProvider(r, chi.URLParam(r, "provider"))
	if _, err := gothic.CompleteUserAuth(w, r); err == nil {
		h.finishOAuth(w, r)
		return
	}
	gothic.BeginAuthHandler(w, r)
}

func (h *UserHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	r = gothic.GetContextWithProvider(r, chi.URLParam(r, "provider"))
	h.finishOAuth(w, r)
}

func (h *UserHandler) finishOAuth(w http.ResponseWriter, r *http.Request) {
	gothUser, err := gothic.CompleteUserAuth(w, r)
	if err != nil {
		h.Log.Warn("OAuth login failed", zap.Error(err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.Users.FindOrCreateByEmail(r.Context(), gothUser.Email)
	if errors.Is(err, store.ErrUsernameTaken) {
		h.Log.Warn("OAuth email belongs to a password account", zap.String("provider", gothUser.Provider))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if err != nil {
		h.Log.Error("Failed to resolve OAuth user", zap.String("provider", gothUser.Provider), zap.Error(err))
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	if err := h.Sessions.Login(w, r, user.ID); err != nil {
		h.Log.Error("Failed to save session", zap.Error(err))
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/images", http.StatusFound)
}
