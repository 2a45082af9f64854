// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/config"
	"github.com/urfave/cli/v2"
)

const (
	metaConfig     = "config"
	metaLogCleanup = "log-cleanup"
)

// openDatabase opens the database described by cfg and returns it with the
// function that releases it.
var openDatabase = func(cfg config.Config) (*curupira.Database, func() error, error) {
	db, err := curupira.NewDatabase(cfg, curupira.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "curupira",
		Usage: "Biodiversity retrieval: ingest GBIF, OBIS, eBird and IUCN records and search them semantically",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file (default $" + config.EnvConfigFile + ")",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write JSON logs to this file",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory",
			},
		},
		Before: setupLogger,
		After:  closeLogger,
		Commands: []*cli.Command{
			serveCommand(),
			ingestCommand(),
			queryCommand(),
			statsCommand(),
			reembedCommand(),
			mcpCommand(),
		},
	}
}

// setupLogger loads the configuration, applies global flag overrides and
// installs the default logger.
func setupLogger(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = strings.ToLower(c.String("log-level"))
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}
	if c.IsSet("data-dir") {
		cfg.DataDir = c.String("data-dir")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.Level())
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]interface{})
	}
	c.App.Metadata[metaConfig] = cfg
	c.App.Metadata[metaLogCleanup] = cleanup
	return nil
}

func closeLogger(c *cli.Context) error {
	if cleanup, ok := c.App.Metadata[metaLogCleanup].(func() error); ok {
		return cleanup()
	}
	return nil
}

// loadedConfig returns the configuration installed by setupLogger.
func loadedConfig(c *cli.Context) (config.Config, error) {
	cfg, ok := c.App.Metadata[metaConfig].(config.Config)
	if !ok {
		return cfg, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withDatabase opens the database for the duration of fn.
func withDatabase(cfg config.Config, fn func(db *curupira.Database) error) error {
	db, closeDB, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := closeDB(); err != nil {
			slog.Error("error closing database", "err", err)
		}
	}()
	return fn(db)
}
