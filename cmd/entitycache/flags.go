package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Timeout     time.Duration
	ShowVersion bool
	ShowHelp    bool
	Validate    bool

	Command string
	Args    []string
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("ENTITYCACHE_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: ENTITYCACHE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("ENTITYCACHE_CONFIG", ""),
		"Path to configuration file (env: ENTITYCACHE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ENTITYCACHE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: ENTITYCACHE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ENTITYCACHE_LOG_FORMAT", ""),
		"Log format: json, text (env: ENTITYCACHE_LOG_FORMAT)")

	fs.DurationVar(&cfg.Timeout, "timeout",
		getEnvDuration("ENTITYCACHE_TIMEOUT", 5*time.Minute),
		"Overall command timeout (env: ENTITYCACHE_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command, cfg.Args = rest[0], rest[1:]
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", cfg.Timeout)
	}
	if cfg.Command == "" && !cfg.Validate {
		return fmt.Errorf("no command given, see --help")
	}
	if cfg.Command != "" {
		if _, ok := commands[cfg.Command]; !ok {
			return fmt.Errorf("unknown command: %s", cfg.Command)
		}
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - maintenance tool for the offline entity cache

Usage: %s [options] <command> [command options]

Commands:
`, appName, os.Args[0])
	for _, name := range commandNames() {
		_, _ = fmt.Fprintf(os.Stderr, "  %-18s %s\n", name, commands[name].summary)
	}
	_, _ = fmt.Fprintf(os.Stderr, "\nOptions:\n")
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Show what the cache holds
  %s --config=/etc/entitycache/config.yaml stats

  # Evict responses of one query not read for a week
  %s evict --name "crm/Account" --older-than 7d

  # Push pending changes held by a root
  ENTITYCACHE_REMOTE_ENABLED=true %s sync --root favorites

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
