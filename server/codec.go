package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// SessionCookieName is the cookie carrying the encoded session.
const SessionCookieName = "auth0_session"

// sealedPrefix marks cookie values produced with authenticated encryption.
const sealedPrefix = "s1."

// ErrInvalidSession is returned when a cookie value cannot be decoded into a
// live session.
var ErrInvalidSession = errors.New("invalid session")

// SessionCodec serializes sessions into the cookie value and back.
//
// With a cookie secret configured, values are sealed with XChaCha20-Poly1305
// so they are tamper-evident. Without one, values are plain base64-encoded
// JSON with no integrity protection; that keeps the historical wire format
// but means a captured cookie is valid for its full lifetime.
type SessionCodec struct {
	ttl    time.Duration
	secure bool
	domain string
	aead   []byte // derived key; nil in legacy mode
	logger *slog.Logger
}

// NewSessionCodec constructs the codec honouring config.
func NewSessionCodec(cfg Config, logger *slog.Logger) *SessionCodec {
	ttl := time.Duration(cfg.Session.TTL)
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	codec := &SessionCodec{
		ttl:    ttl,
		secure: cfg.Production(),
		domain: cfg.Session.CookieDomain,
		logger: logger,
	}
	if cfg.Session.CookieSecret != "" {
		key := sha256.Sum256([]byte(cfg.Session.CookieSecret))
		codec.aead = key[:]
	} else {
		logger.Warn("session cookie integrity protection disabled; set session.cookie_secret to seal cookies")
	}
	return codec
}

// TTL returns the session lifetime applied at encode time.
func (c *SessionCodec) TTL() time.Duration {
	return c.ttl
}

// Encode serializes the session into a cookie-safe value.
func (c *SessionCodec) Encode(s Session) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	if c.aead == nil {
		return base64.RawURLEncoding.EncodeToString(payload), nil
	}

	aead, err := chacha20poly1305.NewX(c.aead)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, payload, nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode and validates the session is complete and unexpired.
// The identity claims are not re-verified cryptographically here; the trust
// boundary was crossed once, when the session was minted after a verified
// code exchange.
func (c *SessionCodec) Decode(value string) (Session, error) {
	payload, err := c.open(value)
	if err != nil {
		return Session{}, err
	}

	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if s.User.Subject == "" {
		return Session{}, fmt.Errorf("%w: subject missing", ErrInvalidSession)
	}
	if s.Tokens.AccessToken == "" && s.Tokens.RefreshToken == "" {
		return Session{}, fmt.Errorf("%w: no tokens", ErrInvalidSession)
	}
	if s.ExpiresAt.IsZero() || time.Now().After(s.ExpiresAt) {
		return Session{}, fmt.Errorf("%w: expired", ErrInvalidSession)
	}
	return s, nil
}

func (c *SessionCodec) open(value string) ([]byte, error) {
	if c.aead != nil {
		raw, ok := strings.CutPrefix(value, sealedPrefix)
		if !ok {
			return nil, fmt.Errorf("%w: not a sealed value", ErrInvalidSession)
		}
		sealed, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		aead, err := chacha20poly1305.NewX(c.aead)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		if len(sealed) < aead.NonceSize() {
			return nil, fmt.Errorf("%w: truncated value", ErrInvalidSession)
		}
		nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		payload, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: seal verification failed", ErrInvalidSession)
		}
		return payload, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return payload, nil
}

// Cookie wraps an encoded value in the session cookie. The max age tracks the
// session TTL, not the provider token expiry; the cookie can outlive the
// access token it carries.
func (c *SessionCodec) Cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.ttl.Seconds()),
	}
}

// ClearCookie returns an expired session cookie for logout.
func (c *SessionCodec) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

// ReadSession extracts and decodes the session cookie from a request.
func (c *SessionCodec) ReadSession(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return Session{}, fmt.Errorf("%w: no session cookie", ErrInvalidSession)
	}
	return c.Decode(cookie.Value)
}
