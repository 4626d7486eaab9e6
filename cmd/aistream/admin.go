package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/yyup/aistream/internal/adapter/postgres"
	"github.com/yyup/aistream/internal/config"
)

// runMigrate applies, rolls back or reports the history schema.
func runMigrate(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: aistream migrate up|down|version")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn is not configured (DATABASE_URL or postgres.dsn)")
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Schema version: %d\n", v)
	return nil
}

// runHashToken prints a config snippet binding a bcrypt token hash to a user.
func runHashToken(args []string) error {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id the token authenticates (required)")
	generate := fs.Bool("generate", false, "generate a random token instead of prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("--user is required")
	}

	var token string
	if *generate {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		token = hex.EncodeToString(b)
		fmt.Fprintf(os.Stderr, "Token: %s\n", token)
	} else {
		var err error
		token, err = promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		confirm, err := promptSecret("Confirm token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token != confirm {
			return errors.New("tokens do not match")
		}
	}
	if len(token) < 16 {
		return errors.New("token must be at least 16 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}

	snippet := map[string]any{
		"auth": map[string]any{
			"tokens": []config.Token{{UserID: *userID, Hash: string(hash)}},
		},
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(snippet); err != nil {
		return err
	}
	return enc.Close()
}
