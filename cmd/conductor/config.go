package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/internal/backend"
	"github.com/rendis/conductor/internal/service"
	"github.com/rendis/conductor/pkg/schema"
)

// Config holds all conductor server configuration.
// Priority: flags > CONDUCTOR_* env vars > settings file > defaults.
type Config struct {
	DBPath           string `json:"db_path" yaml:"db_path"`
	LogLevel         string `json:"log_level" yaml:"log_level"`
	LogFormat        string `json:"log_format" yaml:"log_format"`
	DispatchInterval string `json:"dispatch_interval" yaml:"dispatch_interval"`
	MaxRetries       int    `json:"max_retries" yaml:"max_retries"`
	AssignAll        bool   `json:"assign_all" yaml:"assign_all"`
	PoolSize         int    `json:"pool_size" yaml:"pool_size"`
	TaskTimeout      string `json:"task_timeout" yaml:"task_timeout"`
	ConditionEngine  string `json:"condition_engine" yaml:"condition_engine"`
	ScheduleInterval string `json:"schedule_interval" yaml:"schedule_interval"`
	RecordEvents     bool   `json:"record_events" yaml:"record_events"`
	Backend          string `json:"backend" yaml:"backend"`
	AnthropicModel   string `json:"anthropic_model" yaml:"anthropic_model"`
	MCP              bool   `json:"mcp" yaml:"mcp"`
	ListenAddr       string `json:"listen_addr" yaml:"listen_addr"`

	Agents []schema.Agent `json:"agents" yaml:"agents"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(conductorDir(), "conductor.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		DispatchInterval: "1s",
		AssignAll:        true,
		MaxRetries:       3,
		PoolSize:         10,
		ScheduleInterval: "1m",
		RecordEvents:     true,
		Backend:          backend.NameEcho,
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// settingsPath returns the default settings file: settings.json, or
// settings.yaml when only that one exists.
func settingsPath() string {
	jsonPath := filepath.Join(conductorDir(), "settings.json")
	if _, err := os.Stat(jsonPath); err != nil {
		yamlPath := filepath.Join(conductorDir(), "settings.yaml")
		if _, err := os.Stat(yamlPath); err == nil {
			return yamlPath
		}
	}
	return jsonPath
}

// loadConfig layers the settings file at path over the defaults. A missing
// file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return cfg, nil
}

// configFlags are shared by every command that builds a service. Each flag
// also reads its CONDUCTOR_* variable.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "settings file (json or yaml)", Sources: cli.EnvVars("CONDUCTOR_CONFIG")},
		&cli.StringFlag{Name: "db-path", Usage: "database path, or :memory:", Sources: cli.EnvVars("CONDUCTOR_DB_PATH")},
		&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error", Sources: cli.EnvVars("CONDUCTOR_LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "log format: text or json", Sources: cli.EnvVars("CONDUCTOR_LOG_FORMAT")},
		&cli.StringFlag{Name: "dispatch-interval", Usage: "how often pending tasks are bound to agents", Sources: cli.EnvVars("CONDUCTOR_DISPATCH_INTERVAL")},
		&cli.IntFlag{Name: "max-retries", Usage: "default retry budget of a task", Sources: cli.EnvVars("CONDUCTOR_MAX_RETRIES")},
		&cli.BoolFlag{Name: "assign-all", Usage: "bind a task to every idle agent per round", Sources: cli.EnvVars("CONDUCTOR_ASSIGN_ALL")},
		&cli.IntFlag{Name: "pool-size", Usage: "concurrent task executions", Sources: cli.EnvVars("CONDUCTOR_POOL_SIZE")},
		&cli.StringFlag{Name: "task-timeout", Usage: "per-task execution timeout (0 = none)", Sources: cli.EnvVars("CONDUCTOR_TASK_TIMEOUT")},
		&cli.StringFlag{Name: "condition-engine", Usage: "condition language: cel or expr", Sources: cli.EnvVars("CONDUCTOR_CONDITION_ENGINE")},
		&cli.StringFlag{Name: "backend", Usage: "execution backend: echo or anthropic", Sources: cli.EnvVars("CONDUCTOR_BACKEND")},
		&cli.StringFlag{Name: "anthropic-model", Usage: "model used by the anthropic backend", Sources: cli.EnvVars("CONDUCTOR_ANTHROPIC_MODEL")},
	}
}

// resolveConfig loads the settings file named by --config, or the default
// one, and applies the flags on top.
func resolveConfig(cmd *cli.Command) (Config, error) {
	path := cmd.String("config")
	if path == "" {
		path = settingsPath()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	return cfg, nil
}

// applyFlags overrides cfg with every flag or env var that was set.
func applyFlags(cmd *cli.Command, cfg *Config) {
	setString := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	setString("db-path", &cfg.DBPath)
	setString("log-level", &cfg.LogLevel)
	setString("log-format", &cfg.LogFormat)
	setString("dispatch-interval", &cfg.DispatchInterval)
	setString("task-timeout", &cfg.TaskTimeout)
	setString("condition-engine", &cfg.ConditionEngine)
	setString("backend", &cfg.Backend)
	setString("anthropic-model", &cfg.AnthropicModel)
	setString("listen-addr", &cfg.ListenAddr)
	if cmd.IsSet("max-retries") {
		cfg.MaxRetries = cmd.Int("max-retries")
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = cmd.Int("pool-size")
	}
	if cmd.IsSet("assign-all") {
		cfg.AssignAll = cmd.Bool("assign-all")
	}
	if cmd.IsSet("mcp") {
		cfg.MCP = cmd.Bool("mcp")
	}
}

// serviceConfig converts the file-level settings to service.Config.
func (c Config) serviceConfig() (service.Config, error) {
	if c.MaxRetries < 0 {
		return service.Config{}, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	dispatch, err := parseDuration("dispatch_interval", c.DispatchInterval)
	if err != nil {
		return service.Config{}, err
	}
	timeout, err := parseDuration("task_timeout", c.TaskTimeout)
	if err != nil {
		return service.Config{}, err
	}
	schedule, err := parseDuration("schedule_interval", c.ScheduleInterval)
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		DBPath:           c.DBPath,
		MaxRetries:       c.MaxRetries,
		DispatchInterval: dispatch,
		AssignAll:        c.AssignAll,
		PoolSize:         c.PoolSize,
		TaskTimeout:      timeout,
		ConditionEngine:  c.ConditionEngine,
		ScheduleInterval: schedule,
		RecordEvents:     c.RecordEvents,
		Backend: backend.Config{
			Name:      c.Backend,
			Anthropic: backend.AnthropicConfig{Model: c.AnthropicModel},
		},
		Agents: c.Agents,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}
