package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaneisley/fetchplanner/pkg/config"
)

// flagKeys maps CLI flag names to configuration keys. Only flags the user
// set explicitly override the file and environment.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",

	"max-parallel-limit":     "planner.max_parallel_limit",
	"max-request-delay":      "planner.max_request_delay",
	"jitter":                 "planner.jitter",
	"correction-period":      "planner.parallel_limit_correction_period",
	"throttling-coefficient": "planner.throttling_coefficient",
	"slot-hold-timeout":      "planner.slot_hold_timeout",

	"attempts":     "retry.attempts",
	"backoff":      "retry.backoff",
	"delay":        "retry.delay",
	"max-delay":    "retry.max_delay",
	"multiplier":   "retry.multiplier",
	"retry-status": "retry.statuses",

	"db":             "recorder.path",
	"metrics-listen": "metrics.listen",

	"listen":       "mock.listen",
	"limit":        "mock.limit",
	"window":       "mock.window",
	"max-parallel": "mock.max_parallel",
	"latency":      "mock.latency",
}

type globalOptions struct {
	configFile  string
	debugConfig bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "fetchplanner",
		Short: "Client-side admission control for rate-limited HTTP APIs",
		Long: `fetchplanner schedules HTTP requests against an API that enforces a
per-window request limit and a parallel request limit. It spaces requests out
as the remaining budget shrinks, retries overflowed requests, and backs off its
parallelism when the server reports too many concurrent requests.

Configuration precedence (highest to lowest):
1. CLI flags
2. Environment variables (FETCHPLANNER_*, e.g. FETCHPLANNER_PLANNER_JITTER)
3. Configuration file
4. Default values

Configuration can be loaded from a TOML file. The tool looks for configuration files
in the following order:
1. File specified by --config flag
2. .fetchplanner.toml in current directory
3. fetchplanner.toml in current directory
4. .fetchplanner.toml in home directory

EXAMPLES:
  # Emulate the API locally
  fetchplanner serve-mock --limit 45 --window 3s --max-parallel 5

  # Drive 500 requests through the planner and record them
  fetchplanner run http://127.0.0.1:8089/entity --requests 500 --db runs.db

  # Inspect a recorded run
  fetchplanner stats --db runs.db <run-id>`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&opts.debugConfig, "debug-config", false, "Show configuration resolution debug information")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (default: text)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newServeMockCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// loadConfiguration loads configuration with full precedence support
func loadConfiguration(cmd *cobra.Command, opts *globalOptions, debug bool) (*config.Config, *config.ConfigDebugInfo, error) {
	configPath := opts.configFile
	if configPath == "" {
		cwd, _ := os.Getwd()
		if found := config.FindConfigFile(cwd); found != "" {
			configPath = found
		} else if homeDir, err := os.UserHomeDir(); err == nil {
			configPath = config.FindConfigFile(homeDir)
		}
	}

	flags, err := explicitFlags(cmd)
	if err != nil {
		return nil, nil, err
	}

	cfg, debugInfo, err := config.LoadWithPrecedence(configPath, flags, debug || opts.debugConfig)
	if err != nil {
		return nil, nil, err
	}

	if opts.debugConfig && debugInfo != nil {
		debugInfo.PrintDebugInfo(cmd.ErrOrStderr())
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	return cfg, debugInfo, nil
}

// explicitFlags collects the flags the user set, keyed by configuration key
func explicitFlags(cmd *cobra.Command) (map[string]interface{}, error) {
	flags := make(map[string]interface{})
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if f.Value.Type() == "intSlice" {
			v, err := cmd.Flags().GetIntSlice(name)
			if err != nil {
				return nil, err
			}
			flags[key] = v
			continue
		}
		flags[key] = f.Value.String()
	}
	return flags, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
