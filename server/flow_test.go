package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// providerStub fakes the identity provider's token and userinfo endpoints.
// Discovery is intentionally absent so the flow falls back to the
// conventional endpoint layout rooted at the stub's URL.
type providerStub struct {
	*httptest.Server
	tokenCalls int
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	stub := &providerStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		stub.tokenCalls++
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "authorization_code" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid authorization code",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "provider-access",
			"refresh_token": "provider-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-access" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":            "auth0|user-1",
			"email":          "user@example.com",
			"name":           "Test User",
			"email_verified": true,
		})
	})

	stub.Server = httptest.NewServer(mux)
	t.Cleanup(stub.Close)
	return stub
}

func newTestApp(t *testing.T, provider *providerStub) (*App, *httptest.Server) {
	t.Helper()
	cfg := testConfig(provider.URL)

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	gw := httptest.NewServer(app.Routes())
	t.Cleanup(gw.Close)
	return app, gw
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeErrorBody(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func TestLoginRedirectsToProvider(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	resp, err := noRedirectClient().Get(gw.URL + "/login?returnTo=/profile")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(location.String(), provider.URL+"/authorize") {
		t.Fatalf("expected redirect to provider authorize endpoint, got %s", location)
	}
	q := location.Query()
	if q.Get("client_id") != "client-id" {
		t.Fatalf("missing client_id in authorize URL: %s", location)
	}
	if q.Get("redirect_uri") != "http://app.test/callback" {
		t.Fatalf("unexpected redirect_uri: %q", q.Get("redirect_uri"))
	}
	if q.Get("audience") != "https://api.example.com" {
		t.Fatalf("missing audience parameter: %s", location)
	}
	if q.Get("state") == "" {
		t.Fatalf("missing state parameter: %s", location)
	}

	var stateCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == stateCookieName {
			stateCookie = c
		}
	}
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatalf("expected transient state cookie to be set")
	}
}

func TestCallbackMissingCode(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	resp, err := noRedirectClient().Get(gw.URL + "/callback")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeErrorBody(t, resp); body.Error != "No authorization code" {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if provider.tokenCalls != 0 {
		t.Fatalf("expected no exchange without a code")
	}
}

func TestCallbackExchangeRejected(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	resp, err := noRedirectClient().Get(gw.URL + "/callback?code=bad-code")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeErrorBody(t, resp); body.Error != "Invalid authorization code" {
		t.Fatalf("expected provider error description, got %+v", body)
	}
	if sessionCookie(resp) != nil {
		t.Fatalf("no session cookie may be set on a failed exchange")
	}
}

func TestCallbackSuccessMintsSession(t *testing.T) {
	provider := newProviderStub(t)
	app, gw := newTestApp(t, provider)

	resp, err := noRedirectClient().Get(gw.URL + "/callback?code=good-code")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != DefaultPostLogin {
		t.Fatalf("expected redirect to %s, got %s", DefaultPostLogin, got)
	}

	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatalf("expected session cookie to be set")
	}

	session, err := app.Codec.Decode(cookie.Value)
	if err != nil {
		t.Fatalf("decode minted session: %v", err)
	}
	if session.User.Subject != "auth0|user-1" {
		t.Fatalf("unexpected subject: %q", session.User.Subject)
	}
	if session.Tokens.AccessToken != "provider-access" {
		t.Fatalf("unexpected access token: %q", session.Tokens.AccessToken)
	}
	if session.ExpiresAt.IsZero() {
		t.Fatalf("session expiry must be recorded")
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	client := noRedirectClient()

	// Start a login to obtain a real state cookie.
	loginResp, err := client.Get(gw.URL + "/login")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	loginResp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/callback?code=good-code&state=forged", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for _, c := range loginResp.Cookies() {
		if c.Name == stateCookieName {
			req.AddCookie(c)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeErrorBody(t, resp); body.Error != "Invalid state" {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if sessionCookie(resp) != nil {
		t.Fatalf("no session cookie may be set on a state mismatch")
	}
}

func TestLoginCallbackRoundTrip(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	client := noRedirectClient()

	loginResp, err := client.Get(gw.URL + "/login?returnTo=/profile")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	loginResp.Body.Close()

	location, err := url.Parse(loginResp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := location.Query().Get("state")

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/callback?code=good-code&state="+state, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for _, c := range loginResp.Cookies() {
		if c.Name == stateCookieName {
			req.AddCookie(c)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/profile" {
		t.Fatalf("expected redirect to /profile, got %s", got)
	}
	if sessionCookie(resp) == nil {
		t.Fatalf("expected session cookie after round trip")
	}
}

func TestLogoutClearsCookieAndRedirects(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	resp, err := noRedirectClient().Get(gw.URL + "/logout")
	if err != nil {
		t.Fatalf("logout request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(location.String(), provider.URL+"/v2/logout") {
		t.Fatalf("expected redirect to provider logout, got %s", location)
	}
	q := location.Query()
	if q.Get("client_id") != "client-id" {
		t.Fatalf("missing client_id in logout URL: %s", location)
	}
	if q.Get("returnTo") != "http://app.test/" {
		t.Fatalf("unexpected returnTo: %q", q.Get("returnTo"))
	}

	cookie := sessionCookie(resp)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", cookie)
	}
}

func TestMeWithoutCookie(t *testing.T) {
	provider := newProviderStub(t)
	_, gw := newTestApp(t, provider)

	resp, err := http.Get(gw.URL + "/me")
	if err != nil {
		t.Fatalf("me request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decodeErrorBody(t, resp); body.Error != "Not authenticated" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestMeReturnsIdentityOnly(t *testing.T) {
	provider := newProviderStub(t)
	app, gw := newTestApp(t, provider)

	value, err := app.Codec.Encode(testSession())
	if err != nil {
		t.Fatalf("encode session: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/me", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: value})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if claims["sub"] != "auth0|user-1" {
		t.Fatalf("unexpected sub: %v", claims["sub"])
	}
	if _, leaked := claims["access_token"]; leaked {
		t.Fatalf("token bundle must never be returned from /me")
	}
	if _, leaked := claims["tokens"]; leaked {
		t.Fatalf("token bundle must never be returned from /me")
	}
}
