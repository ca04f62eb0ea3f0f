// Package authmock is a standalone mock authorization server for exercising
// the url elicitation flow end to end. It renders an approval page, issues
// short-lived signed authorization codes, and redirects back to the engine's
// callback endpoint carrying the code and the correlation state. The signing
// key is published as a JWKS so resource servers can verify codes offline.
package authmock

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// JWKSPath is where the public signing keys are served.
	JWKSPath = "/.well-known/jwks.json"

	defaultIssuer  = "authmock"
	defaultCodeTTL = 5 * time.Minute
)

var approvePage = template.Must(template.New("approve").Parse(`<html>
<body>
<h1>Authorize Application</h1>
<p>The application is requesting access to your account.</p>
<form method="post" action="approve">
<input type="hidden" name="callback" value="{{.Callback}}">
<input type="hidden" name="state" value="{{.State}}">
<button type="submit">Approve</button>
</form>
</body>
</html>
`))

// Server is the mock authorization server's HTTP handler.
//
// Routes:
//
//	GET  /auth       approval page (callback and optional state in the query)
//	POST /approve    issue a code and redirect to the callback
//	GET  /.well-known/jwks.json   public signing keys
type Server struct {
	issuer  string
	codeTTL time.Duration
	log     *slog.Logger

	kid  string
	priv ed25519.PrivateKey
	jwks []byte

	mux *http.ServeMux
}

var _ http.Handler = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithIssuer sets the iss claim stamped on issued codes.
func WithIssuer(issuer string) Option {
	return func(s *Server) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithCodeTTL sets how long issued codes stay valid.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Server) { s.codeTTL = ttl }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New generates a fresh Ed25519 signing key and returns a ready Server.
func New(opts ...Option) (*Server, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	s := &Server{
		issuer:  defaultIssuer,
		codeTTL: defaultCodeTTL,
		log:     slog.Default(),
		kid:     uuid.NewString(),
		priv:    priv,
	}
	for _, opt := range opts {
		opt(s)
	}

	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       pub,
		KeyID:     s.kid,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}}})
	if err != nil {
		return nil, fmt.Errorf("marshal jwks: %w", err)
	}
	s.jwks = jwks

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", s.handleAuth)
	mux.HandleFunc("POST /approve", s.handleApprove)
	mux.HandleFunc("GET "+JWKSPath, s.handleJWKS)
	s.mux = mux
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Issuer returns the iss claim stamped on issued codes.
func (s *Server) Issuer() string { return s.issuer }

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callback := q.Get("callback")
	if callback == "" {
		http.Error(w, "Missing callback parameter", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := approvePage.Execute(w, struct{ Callback, State string }{callback, q.Get("state")}); err != nil {
		s.log.Warn("authmock.page.render", slog.String("err", err.Error()))
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	callback := r.PostFormValue("callback")
	if callback == "" {
		http.Error(w, "Missing callback", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(callback)
	if err != nil || !target.IsAbs() {
		http.Error(w, "Invalid callback", http.StatusBadRequest)
		return
	}

	code, err := s.issueCode()
	if err != nil {
		s.log.Error("authmock.code.issue", slog.String("err", err.Error()))
		http.Error(w, "Failed to issue code", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	q.Set("code", code)
	if state := r.PostFormValue("state"); state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	s.log.Info("authmock.code.granted", slog.String("redirect", target.Host))
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.jwks)
}

// issueCode mints a signed authorization code. The jti carries the legible
// AUTH-CODE identifier; everything else is standard claims.
func (s *Server) issueCode() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": s.issuer,
		"jti": newCodeID(),
		"iat": now.Unix(),
		"exp": now.Add(s.codeTTL).Unix(),
	})
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.priv)
}

func newCodeID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "AUTH-CODE-" + strings.ToUpper(hex[:12])
}
