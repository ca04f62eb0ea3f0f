package authmock

import (
	"context"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates authorization codes against the mock server's JWKS. It
// satisfies the helpdesk toolset's CodeVerifier contract.
type Verifier struct {
	issuer string
	kf     keyfunc.Keyfunc
	parser *jwt.Parser
}

// NewVerifier fetches the JWKS from jwksURL and keeps it refreshed for the
// lifetime of ctx.
func NewVerifier(ctx context.Context, issuer, jwksURL string) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Verifier{
		issuer: issuer,
		kf:     kf,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"EdDSA"}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

// VerifyCode checks the code's signature, issuer and expiry.
func (v *Verifier) VerifyCode(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("empty authorization code")
	}
	if _, err := v.parser.Parse(code, v.kf.Keyfunc); err != nil {
		return fmt.Errorf("code verification failed: %w", err)
	}
	return nil
}
