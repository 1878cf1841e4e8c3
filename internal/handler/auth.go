// Package handler turns HTTP requests into service calls and service
// results into JSON. Guards (session, CSRF, authentication) have already
// run by the time a handler is invoked.
package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/response"
	"github.com/sakif/authcore/internal/service"
	"github.com/sakif/authcore/internal/session"
)

const oauthStateCookie = "oauth_state"

// AuthHandler serves the credential routes: signup, login, refresh, logout
// and the optional GitHub sign-in.
type AuthHandler struct {
	svc      *service.AuthService
	sessions *session.Manager
	issuer   *auth.Issuer
	github   *auth.GitHubProvider
	logger   *slog.Logger
}

// NewAuthHandler wires the handler. github may be nil, in which case the
// GitHub routes answer 404.
func NewAuthHandler(
	svc *service.AuthService,
	sessions *session.Manager,
	issuer *auth.Issuer,
	github *auth.GitHubProvider,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		svc:      svc,
		sessions: sessions,
		issuer:   issuer,
		github:   github,
		logger:   logger,
	}
}

// userView is the public projection of an account.
type userView struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Role       model.Role `json:"role"`
	IsVerified bool       `json:"isVerified"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
}

func viewOf(u *model.User) userView {
	return userView{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		Role:       u.Role,
		IsVerified: u.IsVerified,
		AvatarURL:  u.AvatarURL,
	}
}

type sessionResponse struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message,omitempty"`
	AccessToken string   `json:"accessToken"`
	User        userView `json:"user"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// setSessionCookies writes both token cookies with Max-Age equal to each
// token's lifetime.
func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, s *service.Session) {
	h.sessions.SetAccessToken(w, s.Access.Value, h.issuer.AccessTTL())
	h.sessions.SetRefreshToken(w, s.Refresh.Value, h.issuer.RefreshTTL())
}

// HandleSignup creates an account.
//
// HTTP: POST /signup
// BODY: {"username": "...", "email": "...", "password": "...", "role": "user"}
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(w, r, &req); err != nil {
		response.Error(w, h.logger, err)
		return
	}

	s, err := h.svc.Signup(r.Context(), service.SignupInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     model.Role(req.Role),
	})
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setSessionCookies(w, s)
	response.JSON(w, http.StatusCreated, sessionResponse{
		Success:     true,
		Message:     "User created successfully. Please check your email for verification.",
		AccessToken: s.Access.Value,
		User:        viewOf(s.User),
	})
}

// HandleLogin signs in with an email or username and a password.
//
// HTTP: POST /login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		response.Error(w, h.logger, err)
		return
	}

	s, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setSessionCookies(w, s)
	response.JSON(w, http.StatusOK, sessionResponse{
		Success:     true,
		AccessToken: s.Access.Value,
		User:        viewOf(s.User),
	})
}

// HandleRefresh rotates the refresh cookie and returns a new access token.
//
// HTTP: POST /refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token := session.RefreshToken(r)
	if token == "" {
		response.Error(w, h.logger, apperror.Unauthenticated("Refresh token required"))
		return
	}

	s, err := h.svc.Refresh(r.Context(), token)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setSessionCookies(w, s)
	response.JSON(w, http.StatusOK, struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"accessToken"`
	}{true, s.Access.Value})
}

// HandleLogout revokes the refresh token, if any, and clears all four
// session cookies whatever subset the client still had.
//
// HTTP: POST /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if ok {
		h.svc.Logout(r.Context(), identity.UserID, session.RefreshToken(r))
	}

	h.sessions.ClearAll(w)
	response.JSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out successfully"})
}

// HandleMe returns the authenticated identity.
//
// HTTP: GET /me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, h.logger, apperror.Unauthenticated("Authentication required"))
		return
	}
	response.JSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		User    *model.Identity `json:"user"`
	}{true, identity})
}

// HandleGetUser is the admin lookup of any account by id.
//
// HTTP: GET /admin/users/{id}
func (h *AuthHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), urlParam(r, "id"))
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, struct {
		Success bool     `json:"success"`
		User    userView `json:"user"`
	}{true, viewOf(user)})
}

// HandleGitHubLogin redirects the browser to GitHub's consent page.
//
// HTTP: GET /auth/github/login
//
// The state is 32 random bytes in a short-lived cookie; the callback only
// proceeds if GitHub hands the same value back.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		http.NotFound(w, r)
		return
	}

	state, err := auth.NewRandomToken()
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth flow and signs the user in with
// the same cookies a password login sets.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		http.NotFound(w, r)
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || !sameState(r.URL.Query().Get("state"), stateCookie.Value) {
		h.logger.Warn("github callback: state mismatch")
		response.Error(w, h.logger, apperror.ValidationFailed("state", "Invalid OAuth state"))
		return
	}

	// single use
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if denied := r.URL.Query().Get("error"); denied != "" {
		h.logger.Info("github callback: authorization denied", slog.String("error", denied))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		response.Error(w, h.logger, apperror.ValidationFailed("code", "Missing OAuth code"))
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	s, err := h.svc.LoginWithGitHub(r.Context(), ghUser)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	h.setSessionCookies(w, s)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func sameState(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
