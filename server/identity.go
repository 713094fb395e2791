package server

import (
	"encoding/json"
	"time"
)

// Well-known identity claim names. Everything else lands in Identity.Extra.
const (
	claimSubject       = "sub"
	claimEmail         = "email"
	claimName          = "name"
	claimEmailVerified = "email_verified"
)

// Identity is the verified representation of a caller. It is produced by
// token verification or by decoding a previously issued session, and is
// immutable once constructed.
type Identity struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool

	// Extra carries provider-defined claims that have no named field.
	Extra map[string]any
}

// TokenBundle holds the provider-issued tokens for a session. It is never
// logged or echoed in full.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// Session is an authenticated browser context, carried entirely in a cookie.
type Session struct {
	User      Identity    `json:"user"`
	Tokens    TokenBundle `json:"tokens"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// IdentityFromClaims builds an Identity from a raw claim mapping, splitting
// the well-known fields out of the provider-defined remainder.
func IdentityFromClaims(claims map[string]any) Identity {
	id := Identity{}
	extra := make(map[string]any)
	for k, v := range claims {
		switch k {
		case claimSubject:
			id.Subject, _ = v.(string)
		case claimEmail:
			id.Email, _ = v.(string)
		case claimName:
			id.Name, _ = v.(string)
		case claimEmailVerified:
			id.EmailVerified = parseBoolClaim(v)
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		id.Extra = extra
	}
	return id
}

// MarshalJSON flattens the identity into a single claim object, the shape
// the provider's userinfo endpoint returns.
func (id Identity) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(id.Extra)+4)
	for k, v := range id.Extra {
		m[k] = v
	}
	m[claimSubject] = id.Subject
	if id.Email != "" {
		m[claimEmail] = id.Email
	}
	if id.Name != "" {
		m[claimName] = id.Name
	}
	if id.EmailVerified {
		m[claimEmailVerified] = true
	}
	return json.Marshal(m)
}

// UnmarshalJSON reverses MarshalJSON.
func (id *Identity) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*id = IdentityFromClaims(m)
	return nil
}

func parseBoolClaim(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	default:
		return false
	}
}
