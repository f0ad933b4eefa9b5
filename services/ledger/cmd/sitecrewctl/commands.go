package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"sitecrew/pkg/db"
	"sitecrew/pkg/docstore"
	"sitecrew/pkg/s3"
	"sitecrew/services/api"
	"sitecrew/services/audit"
	"sitecrew/services/ledger"
	"sitecrew/services/membership"
)

func openPool(cmd *cobra.Command, cfg ctlConfig) (*pgxpool.Pool, error) {
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is required")
	}
	pool, err := db.Open(commandContext(cmd), cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log := logger(cfg)
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newSeedCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users, projects and teams from a fixtures file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			fx, err := ledger.LoadFixtures(file)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			log := logger(cfg)
			wf := membership.New(docstore.NewPostgres(pool), membership.WithLogger(log))
			res, err := ledger.Seed(ctx, wf, fx)
			if err != nil {
				return err
			}
			log.Info().
				Int("users", res.Users).
				Int("projects", res.Projects).
				Int("invitations", res.Invitations).
				Int("team_members", res.TeamMembers).
				Int("links", res.Links).
				Msg("fixtures loaded")
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Fixtures YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		outputDir  string
		recipients []string
		upload     bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write invitations and relationships to a ledger archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			now := time.Now()
			name := ledger.FileName(now, len(recipients) > 0)
			output := filepath.Join(outputDir, name)
			if _, err := ledger.Export(ctx, ledger.ExportConfig{
				Store:      docstore.NewPostgres(pool),
				Output:     output,
				Recipients: recipients,
				Now:        func() time.Time { return now },
				Stdout:     cmd.OutOrStdout(),
			}); err != nil {
				return err
			}

			if !upload {
				return nil
			}
			client, err := s3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			key := "ledgers/" + name
			if err := ledger.Upload(ctx, client, output, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded s3://%s/%s\n", client.Bucket(), key)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Directory for the archive")
	cmd.Flags().StringArrayVar(&recipients, "recipient", nil, "age recipient (age1...) to encrypt to; repeatable")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the archive to S3 after writing it")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		file         string
		identityFile string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a ledger archive against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			var identities []age.Identity
			if identityFile != "" {
				f, err := os.Open(identityFile)
				if err != nil {
					return fmt.Errorf("open identity file: %w", err)
				}
				identities, err = age.ParseIdentities(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("parse identities: %w", err)
				}
			}

			archive, err := ledger.ReadFile(commandContext(cmd), file, identities...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ledger created %s\n", archive.Manifest.CreatedAt.Format(time.RFC3339))
			for _, f := range archive.Manifest.Files {
				fmt.Fprintf(out, "  %-20s %6d records  sha256 %s\n", f.Name, f.Records, f.SHA256)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Ledger archive")
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "age identity file for encrypted archives")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(commandContext(cmd))
			if err != nil {
				return err
			}
			if len(cfg.JWTSigningKey) < 32 {
				return errors.New("JWT_SIGNING_KEY must be at least 32 bytes")
			}
			tok, err := api.IssueToken([]byte(cfg.JWTSigningKey), cfg.JWTIssuer, userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		obj   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			sink, err := audit.NewGormSink(pool)
			if err != nil {
				return err
			}
			entries, err := sink.Recent(ctx, obj, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				details, _ := json.Marshal(e.Details)
				fmt.Fprintf(out, "%s  %-32s %-40s %s %s\n",
					e.At.Format(time.RFC3339), e.Action, e.Obj, e.Actor, strings.TrimSpace(string(details)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&obj, "obj", "", "Restrict to one object, e.g. invitations/<id>")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}
