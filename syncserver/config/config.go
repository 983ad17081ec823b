package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:5080"`
	DBPath     string `env:"DB_PATH, default=teilen.db"`

	// Tables is the comma-separated list of user tables to upgrade on
	// startup; empty upgrades every user table.
	Tables []string `env:"TABLES"`

	// Schema is an optional SQL file applied before the upgrade, for
	// bootstrapping a fresh database.
	Schema string `env:"SCHEMA"`

	Dev bool `env:"DEV, default=false"`
}

type Config struct {
	Server Server `env:",prefix=TEILEN_SERVER_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
