// Package auth authenticates ops callers against an OpenID Connect issuer
// and enforces the orchestrator scopes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"agent-orchestrator/backend/internal/config"
	"agent-orchestrator/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Email   string
	Scopes  []string
}

// HasScope reports whether the caller was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication against the configured issuer.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares
// the token verifiers. In DEV with the bypass flag set no provider is
// contacted and every caller is a local operator with all scopes.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	shouldBypass := isDev && cfg.Auth.DevModeBypass

	a := &Auth{logger: logger, devMode: isDev, authBypass: shouldBypass}
	if shouldBypass {
		return a, nil
	}
	if cfg.Auth.Issuer == "" || cfg.Auth.ClientID == "" {
		return nil, errors.New("auth configuration is incomplete: issuer and client_id are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	// Access tokens usually carry an API audience rather than the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

	if cfg.Auth.ClientSecret != "" && cfg.Auth.RedirectURL != "" {
		a.oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeEmail, ScopeRead},
		}
	}
	return a, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting
// the browser to the issuer. A random state value is stored in a cookie to
// mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if a.oauth2Config == nil {
		writeProblem(w, r, http.StatusNotFound, "browser login is not configured")
		return
	}

	state, err := generateState()
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "failed to generate state")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from the issuer. It verifies
// the state parameter, exchanges the code for tokens, validates the ID
// token, and sets a session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass || a.oauth2Config == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		writeProblem(w, r, http.StatusBadRequest, "invalid state")
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeProblem(w, r, http.StatusBadGateway, "token exchange failed")
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		writeProblem(w, r, http.StatusBadGateway, "no id_token in token response")
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		writeProblem(w, r, http.StatusUnauthorized, "failed to verify id token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the caller from a Bearer access
// token or the session cookie and stores it in the request context.
// Browser sessions are read-only; writes need a Bearer token carrying the
// write scope.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			p := Principal{Subject: "dev", Email: "dev@localhost", Scopes: []string{ScopeRead, ScopeWrite}}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		var (
			token  *oidc.IDToken
			err    error
			bearer bool
		)
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			bearer = true
			token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		} else {
			cookie, cerr := r.Cookie("id_token")
			if cerr != nil {
				if a.oauth2Config != nil && strings.Contains(r.Header.Get("Accept"), "text/html") {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				writeProblem(w, r, http.StatusUnauthorized, "missing credentials")
				return
			}
			token, err = a.verifier.Verify(r.Context(), cookie.Value)
		}
		if err != nil {
			if a.logger != nil {
				a.logger.Debug("token rejected", "path", r.URL.Path, "error", err)
			}
			writeProblem(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		var claims tokenClaims
		if err := token.Claims(&claims); err != nil {
			writeProblem(w, r, http.StatusUnauthorized, "failed to parse token claims")
			return
		}
		p := Principal{Subject: token.Subject, Email: claims.Email}
		if bearer {
			p.Scopes = claims.scopes()
		} else {
			p.Scopes = []string{ScopeRead}
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// tokenClaims covers both scope encodings in use: a space separated
// "scope" string and an "scp" array.
type tokenClaims struct {
	Email string          `json:"email"`
	Scope string          `json:"scope"`
	Scp   json.RawMessage `json:"scp"`
}

func (c tokenClaims) scopes() []string {
	out := strings.Fields(c.Scope)
	if len(c.Scp) > 0 {
		var list []string
		if err := json.Unmarshal(c.Scp, &list); err == nil {
			out = append(out, list...)
		} else {
			var single string
			if err := json.Unmarshal(c.Scp, &single); err == nil {
				out = append(out, strings.Fields(single)...)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
