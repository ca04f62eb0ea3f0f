package streamhttp

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrTokenExpired reports a session token past its expiry claim.
var ErrTokenExpired = errors.New("streamhttp: session token expired")

// SessionTokens mints and verifies compact JWS session tokens bound to a
// single in-process Ed25519 key. Tokens carry the session identifier and an
// optional expiry; anything not signed by this instance is rejected.
type SessionTokens struct {
	signer jose.Signer
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

type wireClaims struct {
	Issuer    string `json:"iss"`
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// TokenOption customizes a SessionTokens instance.
type TokenOption func(*SessionTokens)

// WithTokenIssuer sets the iss claim; verification requires an exact match.
func WithTokenIssuer(issuer string) TokenOption {
	return func(st *SessionTokens) { st.issuer = issuer }
}

// WithTokenTTL bounds token lifetime. Zero means tokens never expire.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(st *SessionTokens) { st.ttl = ttl }
}

// NewSessionTokens generates a fresh signing key. Tokens do not survive a
// process restart; reconnecting clients re-invoke instead.
func NewSessionTokens(opts ...TokenOption) (*SessionTokens, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("construct signer: %w", err)
	}
	st := &SessionTokens{signer: signer, pub: pub, issuer: "elicit"}
	for _, opt := range opts {
		opt(st)
	}
	return st, nil
}

// Mint signs a token carrying sessionID.
func (st *SessionTokens) Mint(sessionID string) (string, error) {
	now := time.Now()
	claims := wireClaims{
		Issuer:    st.issuer,
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
	}
	if st.ttl != 0 {
		claims.ExpiresAt = now.Add(st.ttl).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	sig, err := st.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return sig.CompactSerialize()
}

// SessionID verifies token and returns the session identifier it carries.
func (st *SessionTokens) SessionID(token string) (string, error) {
	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	payload, err := parsed.Verify(st.pub)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	var claims wireClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("unmarshal claims: %w", err)
	}
	if claims.Issuer != st.issuer {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.SessionID == "" {
		return "", errors.New("token carries no session")
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() >= claims.ExpiresAt {
		return "", ErrTokenExpired
	}
	return claims.SessionID, nil
}
