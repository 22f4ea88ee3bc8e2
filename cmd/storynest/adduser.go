package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/storynest/storynest/internal/auth"
	"github.com/storynest/storynest/internal/config"
	"github.com/storynest/storynest/internal/db"
	"github.com/storynest/storynest/internal/id"
)

// runAddUser provisions a user and a session token directly in the
// database. The account service normally does this; the subcommand
// exists for local development and smoke tests.
func runAddUser(args []string) error {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	email := fs.String("email", "", "user email (required)")
	admin := fs.Bool("admin", false, "grant admin access")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "session lifetime")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	configPath := fs.String("config", "", "path to YAML config file")
	_ = fs.Parse(args)

	if *email == "" {
		return fmt.Errorf("-email is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Migrate(sqlDB); err != nil {
		return err
	}

	ctx := context.Background()
	store := auth.NewStore(sqlDB)

	userID := "user_" + id.Generate()
	token := id.Generate()

	if err := store.CreateUser(ctx, userID, *email, *admin); err != nil {
		return err
	}
	if err := store.CreateSession(ctx, token, userID, *ttl); err != nil {
		return err
	}

	fmt.Printf("user:  %s\ntoken: %s\n", userID, token)
	return nil
}
