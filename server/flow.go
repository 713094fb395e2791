package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const stateCookieName = "auth0_state"

// Flow drives the three-leg browser flow against the identity provider:
// redirect to the authorization endpoint, authorization-code exchange on
// callback, and provider-side logout. On a successful exchange it mints the
// session cookie; it keeps no state of its own beyond that cookie.
type Flow struct {
	cfg      Config
	codec    *SessionCodec
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
	logger   *slog.Logger
}

// NewFlow prepares the OAuth2 configuration. Endpoint locations come from
// OIDC discovery when the provider publishes metadata; otherwise the
// conventional {issuer}/authorize and {issuer}/oauth/token layout is used
// and ID tokens are not independently verified.
func NewFlow(ctx context.Context, cfg Config, codec *SessionCodec, client *http.Client, logger *slog.Logger) *Flow {
	issuer := cfg.IssuerURL()
	endpoint := oauth2.Endpoint{
		AuthURL:  issuer + "/authorize",
		TokenURL: issuer + "/oauth/token",
	}

	var verifier *oidc.IDTokenVerifier
	octx := oidc.ClientContext(ctx, client)
	if provider, err := oidc.NewProvider(octx, cfg.Provider.Issuer); err == nil {
		endpoint = provider.Endpoint()
		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Provider.ClientID})
	} else {
		logger.Warn("provider discovery unavailable, using conventional endpoints", "issuer", issuer, "error", err)
	}

	return &Flow{
		cfg:   cfg,
		codec: codec,
		oauth: &oauth2.Config{
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
			RedirectURL:  cfg.RedirectURI(),
			Endpoint:     endpoint,
			Scopes:       cfg.Provider.Scopes,
		},
		verifier: verifier,
		client:   client,
		logger:   logger,
	}
}

type stateEnvelope struct {
	State    string `json:"state"`
	ReturnTo string `json:"return_to"`
}

// HandleLogin redirects the browser to the provider's authorization endpoint.
// The optional returnTo query parameter selects the post-login destination.
func (f *Flow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("returnTo")
	if !isSafeReturnPath(returnTo) {
		returnTo = f.cfg.Server.PostLoginPath
	}

	state := randomToken()
	envelope, err := json.Marshal(stateEnvelope{State: state, ReturnTo: returnTo})
	if err != nil {
		f.logger.Error("login state encode", "error", err)
		apiError(w, http.StatusInternalServerError, "Authentication error", "")
		return
	}
	http.SetCookie(w, f.stateCookie(base64.RawURLEncoding.EncodeToString(envelope), int(DefaultStateTTL.Seconds())))

	opts := []oauth2.AuthCodeOption{}
	if f.cfg.Provider.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", f.cfg.Provider.Audience))
	}
	http.Redirect(w, r, f.oauth.AuthCodeURL(state, opts...), http.StatusFound)
}

// HandleCallback exchanges the authorization code for tokens, fetches the
// user's identity, and mints the session cookie. The cookie is set only after
// every step has succeeded.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		apiError(w, http.StatusBadRequest, "No authorization code", "")
		return
	}

	returnTo, ok := f.consumeState(w, r)
	if !ok {
		apiError(w, http.StatusBadRequest, "Invalid state", "")
		return
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, f.client)
	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			desc := retrieveErr.ErrorDescription
			if desc == "" {
				desc = retrieveErr.ErrorCode
			}
			if desc == "" {
				desc = "Token exchange rejected"
			}
			f.logger.Warn("code exchange rejected", "error_code", retrieveErr.ErrorCode, "description", retrieveErr.ErrorDescription)
			apiError(w, http.StatusBadRequest, desc, "")
			return
		}
		f.logger.Error("code exchange failed", "error", err)
		apiError(w, http.StatusInternalServerError, "Authentication error", "")
		return
	}

	if f.verifier != nil {
		if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
			if _, err := f.verifier.Verify(oidc.ClientContext(ctx, f.client), rawIDToken); err != nil {
				f.logger.Error("id_token verification failed", "error", err)
				apiError(w, http.StatusInternalServerError, "Authentication error", "")
				return
			}
		}
	}

	identity, err := f.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		f.logger.Error("userinfo fetch failed", "error", err)
		apiError(w, http.StatusInternalServerError, "Authentication error", "")
		return
	}

	now := time.Now()
	session := Session{
		User: identity,
		Tokens: TokenBundle{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    tokenType(tok),
			Expiry:       tok.Expiry,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(f.codec.TTL()),
	}

	value, err := f.codec.Encode(session)
	if err != nil {
		f.logger.Error("session encode failed", "error", err)
		apiError(w, http.StatusInternalServerError, "Authentication error", "")
		return
	}

	http.SetCookie(w, f.codec.Cookie(value))
	f.logger.Info("session established", "sub", identity.Subject)
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// HandleLogout clears the session cookie and redirects to the provider's
// logout endpoint. The provider token bundle is not revoked server-side.
func (f *Flow) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, f.codec.ClearCookie())

	logoutURL, err := url.Parse(f.cfg.IssuerURL() + "/v2/logout")
	if err != nil {
		f.logger.Error("logout url", "error", err)
		apiError(w, http.StatusInternalServerError, "Authentication error", "")
		return
	}
	q := logoutURL.Query()
	q.Set("client_id", f.cfg.Provider.ClientID)
	q.Set("returnTo", strings.TrimSuffix(f.cfg.Server.BaseURL, "/")+"/")
	logoutURL.RawQuery = q.Encode()

	http.Redirect(w, r, logoutURL.String(), http.StatusFound)
}

// consumeState validates the transient login state when present and returns
// the post-login destination. Callbacks without a state cookie are accepted
// for compatibility with flows started before the cookie existed.
func (f *Flow) consumeState(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return f.cfg.Server.PostLoginPath, true
	}
	http.SetCookie(w, f.stateCookie("", -1))

	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return "", false
	}
	var envelope stateEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", false
	}
	if envelope.State == "" || envelope.State != r.URL.Query().Get("state") {
		return "", false
	}
	if !isSafeReturnPath(envelope.ReturnTo) {
		return f.cfg.Server.PostLoginPath, true
	}
	return envelope.ReturnTo, true
}

func (f *Flow) fetchUserInfo(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.IssuerURL()+"/userinfo", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("userinfo returned %s", resp.Status)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode userinfo: %w", err)
	}

	identity := IdentityFromClaims(claims)
	if identity.Subject == "" {
		return Identity{}, errors.New("userinfo response missing sub")
	}
	return identity, nil
}

func (f *Flow) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   f.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func tokenType(tok *oauth2.Token) string {
	if tok.TokenType == "" {
		return "Bearer"
	}
	return tok.TokenType
}

// isSafeReturnPath accepts only same-site relative paths.
func isSafeReturnPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return false
	}
	return true
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
