package syncserver

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v3"

	"teilen.sh/core/crr"
	"teilen.sh/core/log"
	"teilen.sh/core/syncserver/config"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run a sync server replica",
		Action: Run,
		Description: `
	Environment variables:
		TEILEN_SERVER_LISTEN_ADDR (default: 0.0.0.0:5080)
		TEILEN_SERVER_DB_PATH     (default: teilen.db)
		TEILEN_SERVER_TABLES      (comma-separated; default: all user tables)
		TEILEN_SERVER_SCHEMA      (optional bootstrap SQL file)
		TEILEN_SERVER_DEV         (default: false)
	`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)
	logger = log.SubLogger(logger, cmd.Name)
	ctx = log.IntoContext(ctx, logger)

	c, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	e, err := crr.Open(c.Server.DBPath, crr.WithLogger(log.SubLogger(logger, "crr")))
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer e.Close()

	if c.Server.Schema != "" {
		schema, err := os.ReadFile(c.Server.Schema)
		if err != nil {
			return fmt.Errorf("failed to read schema: %w", err)
		}
		if _, err := e.DB().Exec(string(schema)); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if len(c.Server.Tables) > 0 {
		for _, t := range c.Server.Tables {
			if err := e.UpgradeTableToCRR(t); err != nil {
				return fmt.Errorf("failed to upgrade table %s: %w", t, err)
			}
		}
	} else {
		if err := e.UpgradeAllTablesToCRR(); err != nil {
			return fmt.Errorf("failed to upgrade tables: %w", err)
		}
	}
	if err := e.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize crr upgrade: %w", err)
	}

	mux := Setup(ctx, c, e)

	logger.Info("starting sync server", "address", c.Server.ListenAddr, "site", e.SiteID())
	logger.Error("server error", "error", http.ListenAndServe(c.Server.ListenAddr, mux))

	return nil
}
