package config

import (
	"flag"
	"os"
	"strconv"
)

// Options holds the settings shared by every coldvault subcommand.
type Options struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	Workers    int
	// Args are the arguments left after the flags: the subcommand and its own arguments.
	Args []string
}

// ParseOptions parses global options from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: config="coldvault.yaml", db="coldvault.db", logLevel="info", workers=4
func ParseOptions() (Options, error) {
	return parseOptionsWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseOptionsWithFlagSet is an internal helper for testing with isolated flag sets.
func parseOptionsWithFlagSet(fs *flag.FlagSet, args []string) (Options, error) {
	opts := Options{
		ConfigPath: "coldvault.yaml",
		DBPath:     "coldvault.db",
		LogLevel:   "info",
		Workers:    4,
	}

	// Read from environment first
	if path := os.Getenv("COLDVAULT_CONFIG"); path != "" {
		opts.ConfigPath = path
	}
	if path := os.Getenv("COLDVAULT_DB"); path != "" {
		opts.DBPath = path
	}
	if logLevel := os.Getenv("COLDVAULT_LOG_LEVEL"); logLevel != "" {
		opts.LogLevel = logLevel
	}
	if workers := os.Getenv("COLDVAULT_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			opts.Workers = n
		}
	}

	// Flags override environment
	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "pipeline configuration file (YAML)")
	fs.StringVar(&opts.DBPath, "db", opts.DBPath, "catalog database file")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&opts.Workers, "workers", opts.Workers, "concurrent pipeline workers (1..64)")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	opts.Args = fs.Args()

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > 64 {
		opts.Workers = 64
	}
	return opts, nil
}
