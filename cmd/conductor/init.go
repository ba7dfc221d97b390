package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a settings file from the defaults and the given flags",
		Flags: append(configFlags(),
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing settings file"},
		),
		Action: runInit,
	}
}

func runInit(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if path == "" {
		path = filepath.Join(conductorDir(), "settings.json")
	}
	if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	// Start from defaults, not from the file being replaced.
	cfg := defaultConfig()
	applyFlags(cmd, &cfg)
	if _, err := cfg.serviceConfig(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "Config written to %s\n", path)
	return err
}
