package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nimasrn/outbound-caller/internal/bootstrap"
	"github.com/nimasrn/outbound-caller/internal/config"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/nimasrn/outbound-caller/internal/services"
	"github.com/nimasrn/outbound-caller/migrations"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"github.com/pkg/errors"
)

const usage = `usage: cli [--env=<file>] <command>

commands:
  migrate up|down|status   apply, roll back or list database migrations
  seed-admin               create the admin user from ADMIN_USERNAME / ADMIN_PASSWORD`

func main() {
	if err := config.Load(bootstrap.EnvPath(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	args := positional(os.Args[1:])
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "migrate":
		err = migrate(args[1:])
	case "seed-admin":
		err = seedAdmin()
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func positional(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			out = append(out, a)
		}
	}
	return out
}

func migrate(args []string) error {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	m := pg.NewMigrator(config.Get().PostgresWrite(), migrations.FS, ".")
	switch direction {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "status":
		return m.Status()
	}
	return errors.Errorf("unknown migrate direction %q", direction)
}

func seedAdmin() error {
	cfg := config.Get()
	db, err := bootstrap.Postgres(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// sessions are not needed to create a user
	svc := services.NewAdminService(repository.NewAdminUserRepository(db), nil, nil, cfg.AdminSessionTTL)
	if err := svc.EnsureDefaultAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return err
	}
	logger.Info("admin user ready", "username", cfg.AdminUsername)
	return nil
}
