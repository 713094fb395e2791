package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Strategy selects how a guarded route authenticates its caller.
type Strategy int

const (
	// CookieSession requires a valid session cookie.
	CookieSession Strategy = iota
	// BearerToken requires a verified Authorization: Bearer token.
	BearerToken
	// CookieOrBearer accepts either credential, preferring the bearer token
	// when an Authorization header is present.
	CookieOrBearer
)

type identityKey struct{}
type sessionKey struct{}

// Guard wraps handlers with a required authentication strategy. Guards never
// mutate request state; an unsatisfied strategy short-circuits with a 401
// JSON body and the handler is not invoked.
type Guard struct {
	codec    *SessionCodec
	verifier *TokenVerifier
	logger   *slog.Logger
}

// NewGuard constructs a route guard over the session codec and token verifier.
func NewGuard(codec *SessionCodec, verifier *TokenVerifier, logger *slog.Logger) *Guard {
	return &Guard{codec: codec, verifier: verifier, logger: logger}
}

// Protect returns a handler that enforces the strategy before invoking next.
// The verified identity (and, on the cookie path, the full session) is made
// available through IdentityFromContext and SessionFromContext.
func (g *Guard) Protect(next http.HandlerFunc, strategy Strategy) http.HandlerFunc {
	switch strategy {
	case CookieSession:
		return g.protectCookie(next)
	case BearerToken:
		return g.protectBearer(next)
	case CookieOrBearer:
		bearer := g.protectBearer(next)
		cookie := g.protectCookie(next)
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				bearer(w, r)
				return
			}
			cookie(w, r)
		}
	default:
		return func(w http.ResponseWriter, _ *http.Request) {
			apiError(w, http.StatusInternalServerError, "Authentication error", "")
		}
	}
}

func (g *Guard) protectCookie(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := g.codec.ReadSession(r)
		if err != nil {
			apiError(w, http.StatusUnauthorized, "Not authenticated", "Please log in to access this resource")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, &session)
		ctx = context.WithValue(ctx, identityKey{}, &session.User)
		next(w, r.WithContext(ctx))
	}
}

func (g *Guard) protectBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			apiError(w, http.StatusUnauthorized, "No token provided", "Authorization header with Bearer token is required")
			return
		}

		identity, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrKeyUnavailable) {
				g.logger.Error("token rejected, signing keys unavailable", "error", err)
			} else {
				g.logger.Warn("token rejected", "error", err)
			}
			apiError(w, http.StatusUnauthorized, bearerFailureMessage(err), "Authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}

// bearerFailureMessage keeps operator-actionable failures specific and
// security-sensitive ones generic.
func bearerFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "Token has expired"
	case errors.Is(err, ErrTokenMalformed):
		return "Invalid token format"
	default:
		return "Invalid token"
	}
}

// IdentityFromContext retrieves the identity attached by a guard.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// SessionFromContext retrieves the session attached by a cookie guard.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
