package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/lolzy2026/mcp-elicitation/authmock"
	"github.com/lolzy2026/mcp-elicitation/engine"
	"github.com/lolzy2026/mcp-elicitation/internal/logctx"
	"github.com/lolzy2026/mcp-elicitation/metrics"
	"github.com/lolzy2026/mcp-elicitation/legacy"
	"github.com/lolzy2026/mcp-elicitation/sessions"
	"github.com/lolzy2026/mcp-elicitation/sessions/memoryhost"
	"github.com/lolzy2026/mcp-elicitation/sessions/redishost"
	"github.com/lolzy2026/mcp-elicitation/streamhttp"
	"github.com/lolzy2026/mcp-elicitation/tools"
	"github.com/lolzy2026/mcp-elicitation/tools/helpdesk"
)

type serveConfig struct {
	// Addr the HTTP server listens on. ENV: ELICIT_HTTP_ADDR
	Addr string `env:"ELICIT_HTTP_ADDR,default=:8001"`
	// PublicURL is the externally reachable base URL; the OAuth callback is
	// registered under it. ENV: ELICIT_PUBLIC_URL
	PublicURL string `env:"ELICIT_PUBLIC_URL,default=http://localhost:8001"`
	// AuthBaseURL is the authorization server's base URL, embedded in url
	// elicitation targets. ENV: ELICIT_AUTH_URL
	AuthBaseURL string `env:"ELICIT_AUTH_URL,default=http://localhost:8002"`
	// AuthIssuer is the iss claim expected on authorization codes.
	// ENV: ELICIT_AUTH_ISSUER
	AuthIssuer string `env:"ELICIT_AUTH_ISSUER,default=authmock"`
	// AuthJWKSURL enables signature verification of authorization codes.
	// Empty means any non-empty code is accepted (demo mode).
	// ENV: ELICIT_AUTH_JWKS_URL
	AuthJWKSURL string `env:"ELICIT_AUTH_JWKS_URL,default="`
	// RedisAddr selects the Redis-backed host; empty runs in-memory.
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default="`
	// TokenIssuer is stamped on signed session tokens.
	// ENV: ELICIT_TOKEN_ISSUER
	TokenIssuer string `env:"ELICIT_TOKEN_ISSUER,default=elicitd"`
	// SessionIdleTTL evicts sessions idle longer than this.
	// ENV: ELICIT_SESSION_TTL
	SessionIdleTTL time.Duration `env:"ELICIT_SESSION_TTL,default=30m"`
	// ElicitationTTL bounds how long a single elicitation may stay pending.
	// ENV: ELICIT_ELICITATION_TTL
	ElicitationTTL time.Duration `env:"ELICIT_ELICITATION_TTL,default=5m"`
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the elicitation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg serveConfig
			if err := envdecode.Decode(&cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg serveConfig) error {
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
	slog.SetDefault(log)

	var host sessions.Host
	if cfg.RedisAddr != "" {
		rh, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("redis host: %w", err)
		}
		defer rh.Close()
		host = rh
		log.Info("serve.host", slog.String("kind", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		host = memoryhost.New()
		log.Info("serve.host", slog.String("kind", "memory"))
	}

	stash := legacy.NewCodeStash(cfg.ElicitationTTL)
	hdOpts := []helpdesk.Option{helpdesk.WithLogger(log)}
	if cfg.AuthJWKSURL != "" {
		verifier, err := authmock.NewVerifier(ctx, cfg.AuthIssuer, cfg.AuthJWKSURL)
		if err != nil {
			return fmt.Errorf("code verifier: %w", err)
		}
		hdOpts = append(hdOpts, helpdesk.WithVerifier(verifier))
	}
	toolReg := tools.NewRegistry()
	helpdesk.New(cfg.AuthBaseURL, cfg.PublicURL+"/callback", stash, hdOpts...).Register(toolReg)

	met := metrics.New()
	reg := sessions.NewRegistry()
	eng := engine.New(reg, host, toolReg,
		engine.WithLogger(log),
		engine.WithMetrics(met),
		engine.WithElicitationTTL(cfg.ElicitationTTL),
		engine.WithSessionIdleTTL(cfg.SessionIdleTTL))
	defer eng.Close()

	tokens, err := streamhttp.NewSessionTokens(
		streamhttp.WithTokenIssuer(cfg.TokenIssuer),
		streamhttp.WithTokenTTL(cfg.SessionIdleTTL))
	if err != nil {
		return fmt.Errorf("session tokens: %w", err)
	}

	handler := streamhttp.New(eng, host, toolReg,
		streamhttp.WithLogger(log),
		streamhttp.WithLegacy(legacy.New(toolReg, legacy.WithLogger(log))),
		streamhttp.WithCodeStash(stash),
		streamhttp.WithSessionTokens(tokens))

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("GET /metrics", met.Handler())

	return serveHTTP(ctx, log, cfg.Addr, mux)
}

// serveHTTP runs srv until ctx is canceled, then drains connections.
func serveHTTP(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("http.stopped", slog.String("addr", addr))
	return nil
}
