package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification outcomes. These typed failures, not raw parser errors, are the
// contract between the verifier and its callers.
var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
	ErrBadSignature   = errors.New("bad token signature")
	ErrUnknownIssuer  = errors.New("unknown token issuer")
	ErrWrongAudience  = errors.New("wrong token audience")
)

// TokenVerifier validates bearer tokens against the provider's signing keys.
// Only RS256 is accepted; a token asserting any other algorithm is rejected
// before key resolution to block key-confusion downgrades.
type TokenVerifier struct {
	issuer   string
	audience string
	keys     *KeyRing
	parser   *jwt.Parser
	logger   *slog.Logger
}

// NewTokenVerifier constructs a verifier bound to the configured issuer and audience.
func NewTokenVerifier(cfg Config, keys *KeyRing, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{
		issuer:   cfg.IssuerURL(),
		audience: cfg.Provider.Audience,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		logger: logger,
	}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Verify checks the token's syntax, algorithm, expiry, signature, issuer, and
// audience, in that order, and returns the verified claim set.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected three segments", ErrTokenMalformed)
	}

	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if header.Alg != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", ErrTokenMalformed, header.Alg)
	}

	var unverified jwt.MapClaims
	if err := decodeSegment(parts[1], &unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	// Expiry is decided before the signature so an expired token reports as
	// expired no matter which key signed it. Zero grace period.
	if exp, err := unverified.GetExpirationTime(); err == nil && exp != nil {
		if !time.Now().Before(exp.Time) {
			return nil, ErrTokenExpired
		}
	}

	key, err := v.keys.Resolve(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}

	iss, _ := claims[claimIssuer].(string)
	if strings.TrimSuffix(iss, "/") != v.issuer {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, iss)
	}

	if !audienceContains(claims[claimAudience], v.audience) {
		return nil, ErrWrongAudience
	}

	identity := IdentityFromClaims(claims)
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: sub claim missing", ErrTokenMalformed)
	}
	return &identity, nil
}

const (
	claimIssuer   = "iss"
	claimAudience = "aud"
)

// audienceContains handles the claim's string and list forms.
func audienceContains(claim any, expected string) bool {
	switch aud := claim.(type) {
	case string:
		return aud == expected
	case []any:
		for _, item := range aud {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range aud {
			if s == expected {
				return true
			}
		}
	}
	return false
}

func decodeSegment(seg string, out any) error {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
