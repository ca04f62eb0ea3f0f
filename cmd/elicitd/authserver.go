package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/lolzy2026/mcp-elicitation/authmock"
)

type authServerConfig struct {
	// Addr the auth server listens on. ENV: ELICIT_AUTH_ADDR
	Addr string `env:"ELICIT_AUTH_ADDR,default=:8002"`
	// Issuer stamped on issued codes. ENV: ELICIT_AUTH_ISSUER
	Issuer string `env:"ELICIT_AUTH_ISSUER,default=authmock"`
	// CodeTTL bounds authorization code validity. ENV: ELICIT_AUTH_CODE_TTL
	CodeTTL time.Duration `env:"ELICIT_AUTH_CODE_TTL,default=5m"`
}

func newAuthServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authserver",
		Short: "Run the mock OAuth authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg authServerConfig
			if err := envdecode.Decode(&cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}

			log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			srv, err := authmock.New(
				authmock.WithIssuer(cfg.Issuer),
				authmock.WithCodeTTL(cfg.CodeTTL),
				authmock.WithLogger(log))
			if err != nil {
				return fmt.Errorf("auth server: %w", err)
			}
			log.Info("authserver.issuer", slog.String("issuer", cfg.Issuer))
			return serveHTTP(cmd.Context(), log, cfg.Addr, srv)
		},
	}
}
