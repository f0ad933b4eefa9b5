package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"sitecrew/pkg/telemetry"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ctlConfig is the environment shared by every subcommand.
type ctlConfig struct {
	DBDSN         string `env:"DB_DSN"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`
	JWTIssuer     string `env:"JWT_ISSUER,default=sitecrew"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
}

func loadConfig(ctx context.Context) (ctlConfig, error) {
	var cfg ctlConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return ctlConfig{}, err
	}
	return cfg, nil
}

func logger(cfg ctlConfig) zerolog.Logger {
	return telemetry.NewLogger("sitecrewctl", telemetry.Options{Level: cfg.LogLevel})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sitecrewctl",
		Short:         "Operator tooling for the sitecrew backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newAuditCommand())
	return cmd
}
