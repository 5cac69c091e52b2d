package cmd

import (
	"fmt"

	"github.com/kestrelhq/kestrel/db"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/log"
)

func runMigrate(cfg *config.Config, logger log.Logger) error {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
