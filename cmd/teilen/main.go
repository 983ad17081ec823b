package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"teilen.sh/core/crr"
	tlog "teilen.sh/core/log"
	"teilen.sh/core/syncserver"
)

func main() {
	cmd := &cli.Command{
		Name:  "teilen",
		Usage: "teilen-sql sync engine tool",
		Commands: []*cli.Command{
			syncserver.Command(),
			graphCommand(),
		},
	}

	logger := tlog.New("teilen")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = tlog.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "print the commit graph of a document",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the database",
				Value: "teilen.db",
			},
			&cli.StringFlag{
				Name:  "doc",
				Usage: "document id",
				Value: crr.DefaultDocument,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := crr.Open(cmd.String("db"))
			if err != nil {
				return err
			}
			defer e.Close()

			return e.PrintCommitGraph(os.Stdout, cmd.String("doc"))
		},
	}
}
