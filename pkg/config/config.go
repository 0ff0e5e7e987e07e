package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaneisley/fetchplanner/pkg/backoff"
	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/planner"
)

// EnvPrefix is prepended to every environment variable name, e.g.
// FETCHPLANNER_PLANNER_MAX_PARALLEL_LIMIT.
const EnvPrefix = "FETCHPLANNER"

// Config holds the configuration for the fetchplanner CLI
type Config struct {
	Planner  PlannerConfig  `mapstructure:"planner"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Mock     MockConfig     `mapstructure:"mock"`
}

// PlannerConfig mirrors planner.Options
type PlannerConfig struct {
	MaxParallelLimit              int                 `mapstructure:"max_parallel_limit"`
	MaxRequestDelay               time.Duration       `mapstructure:"max_request_delay"`
	Jitter                        float64             `mapstructure:"jitter"`
	ParallelLimitCorrectionPeriod time.Duration       `mapstructure:"parallel_limit_correction_period"`
	ThrottlingCoefficient         float64             `mapstructure:"throttling_coefficient"`
	SlotHoldTimeout               time.Duration       `mapstructure:"slot_hold_timeout"`
	Headers                       planner.HeaderNames `mapstructure:"headers"`
}

// RetryConfig configures application-level retries around the planner
type RetryConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	Backoff    string        `mapstructure:"backoff"`
	Delay      time.Duration `mapstructure:"delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Statuses   []int         `mapstructure:"statuses"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RecorderConfig sets where run events are stored. An empty path disables
// recording.
type RecorderConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig sets the Prometheus listener. An empty address disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// MockConfig configures the emulated rate-limited API
type MockConfig struct {
	Listen      string        `mapstructure:"listen"`
	Limit       int           `mapstructure:"limit"`
	Window      time.Duration `mapstructure:"window"`
	MaxParallel int           `mapstructure:"max_parallel"`
	Latency     time.Duration `mapstructure:"latency"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// ConfigSource represents where a configuration value came from
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceConfigFile
	SourceEnvironment
	SourceCLIFlag
)

func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceConfigFile:
		return "config file"
	case SourceEnvironment:
		return "environment variable"
	case SourceCLIFlag:
		return "CLI flag"
	default:
		return "unknown"
	}
}

// ConfigDebugInfo holds debugging information about configuration resolution
type ConfigDebugInfo struct {
	Sources map[string]ConfigSource
	Values  map[string]interface{}
}

// defaults lists every configuration key with its default value.
func defaults() map[string]interface{} {
	h := planner.DefaultHeaderNames()
	return map[string]interface{}{
		"planner.max_parallel_limit":               planner.DefaultMaxParallelLimit,
		"planner.max_request_delay":                planner.DefaultMaxRequestDelay,
		"planner.jitter":                           planner.DefaultJitter,
		"planner.parallel_limit_correction_period": planner.DefaultParallelLimitCorrectionPeriod,
		"planner.throttling_coefficient":           planner.DefaultThrottlingCoefficient,
		"planner.slot_hold_timeout":                planner.DefaultSlotHoldTimeout,
		"planner.headers.limit":                    h.Limit,
		"planner.headers.remaining":                h.Remaining,
		"planner.headers.window":                   h.Window,
		"planner.headers.retry_after":              h.RetryAfter,
		"planner.headers.auth_code":                h.AuthCode,
		"planner.headers.parallel_limit_code":      h.ParallelLimitCode,

		"retry.attempts":   1,
		"retry.backoff":    string(backoff.KindExponential),
		"retry.delay":      200 * time.Millisecond,
		"retry.max_delay":  5 * time.Second,
		"retry.multiplier": 2.0,
		"retry.statuses":   []int{},

		"log.level":  string(logging.LevelInfo),
		"log.format": string(logging.FormatText),

		"recorder.path": "",

		"metrics.listen": "",

		"mock.listen":       "127.0.0.1:8089",
		"mock.limit":        45,
		"mock.window":       3 * time.Second,
		"mock.max_parallel": 5,
		"mock.latency":      50 * time.Millisecond,
	}
}

// Keys returns every configuration key in sorted order
func Keys() []string {
	keys := make([]string, 0, len(defaults()))
	for k := range defaults() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvVar returns the environment variable bound to key
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// newViper creates a viper instance with defaults and environment binding
func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadWithDefaults returns a configuration with default values
func LoadWithDefaults() *Config {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	var config Config
	v.Unmarshal(&config)
	return &config
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(configFile string) (*Config, error) {
	config, _, err := LoadWithPrecedence(configFile, nil, false)
	return config, err
}

// LoadWithPrecedence resolves configuration from defaults, the TOML file,
// FETCHPLANNER_* environment variables and explicitly set CLI flags, each
// overriding the previous. flags maps configuration keys to flag values and
// must contain only flags the user actually set.
func LoadWithPrecedence(configFile string, flags map[string]interface{}, debug bool) (*Config, *ConfigDebugInfo, error) {
	var debugInfo *ConfigDebugInfo
	if debug {
		debugInfo = &ConfigDebugInfo{
			Sources: make(map[string]ConfigSource),
			Values:  make(map[string]interface{}),
		}
		recordDefaults(debugInfo)
	}

	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, debugInfo, fmt.Errorf("failed to read config file: %w", err)
		}
		if debug {
			recordConfigFile(debugInfo, v)
		}
	}

	if debug {
		recordEnvironment(debugInfo)
	}

	for key, value := range flags {
		v.Set(key, value)
		if debug {
			debugInfo.Sources[key] = SourceCLIFlag
			debugInfo.Values[key] = value
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, debugInfo, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, debugInfo, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, debugInfo, nil
}

// FindConfigFile searches for a configuration file in the given directory
// It looks for .fetchplanner.toml, then fetchplanner.toml
func FindConfigFile(dir string) string {
	for _, name := range []string{".fetchplanner.toml", "fetchplanner.toml"} {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	return ""
}

// PlannerOptions converts the planner section to planner.Options
func (c *Config) PlannerOptions() planner.Options {
	p := c.Planner
	return planner.Options{
		MaxParallelLimit:              p.MaxParallelLimit,
		MaxRequestDelay:               p.MaxRequestDelay,
		Jitter:                        p.Jitter,
		ParallelLimitCorrectionPeriod: p.ParallelLimitCorrectionPeriod,
		ThrottlingCoefficient:         p.ThrottlingCoefficient,
		SlotHoldTimeout:               p.SlotHoldTimeout,
		Headers:                       p.Headers,
	}
}

// StrategyFactory returns a constructor for the configured backoff. Each
// call builds a fresh strategy.
func (c *Config) StrategyFactory() (func() backoff.Strategy, error) {
	params := backoff.Params{
		Delay:      c.Retry.Delay,
		Multiplier: c.Retry.Multiplier,
		MaxDelay:   c.Retry.MaxDelay,
	}
	kind := backoff.Kind(c.Retry.Backoff)
	if _, err := backoff.New(kind, params); err != nil {
		return nil, err
	}

	return func() backoff.Strategy {
		s, _ := backoff.New(kind, params)
		return backoff.NewHTTPAware(s, c.Retry.MaxDelay)
	}, nil
}

// NewLogger builds the logger described by the log section
func (c *Config) NewLogger(w io.Writer, component string) *logging.Logger {
	return logging.New(w, component, logging.ParseLevel(c.Log.Level), logging.Format(c.Log.Format))
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []ValidationError

	opts := c.PlannerOptions()
	if err := opts.Validate(); err != nil {
		var plannerErrs planner.ValidationErrors
		if !errors.As(err, &plannerErrs) {
			return err
		}
		for _, pe := range plannerErrs {
			errs = append(errs, ValidationError{
				Field:   "planner." + pe.Field,
				Value:   pe.Value,
				Message: pe.Message,
			})
		}
	}

	if c.Retry.Attempts <= 0 || c.Retry.Attempts > 1000 {
		errs = append(errs, ValidationError{
			Field:   "retry.attempts",
			Value:   c.Retry.Attempts,
			Message: "must be between 1 and 1000",
		})
	}
	if !backoff.IsValidKind(c.Retry.Backoff) {
		names := make([]string, 0, len(backoff.Kinds()))
		for _, k := range backoff.Kinds() {
			names = append(names, string(k))
		}
		errs = append(errs, ValidationError{
			Field:   "retry.backoff",
			Value:   c.Retry.Backoff,
			Message: "must be one of " + strings.Join(names, ", "),
		})
	}
	if c.Retry.Delay < 0 || c.Retry.Delay > 24*time.Hour {
		errs = append(errs, ValidationError{
			Field:   "retry.delay",
			Value:   c.Retry.Delay,
			Message: "must be between 0 and 24 hours",
		})
	}
	if c.Retry.MaxDelay < 0 || c.Retry.MaxDelay > 24*time.Hour {
		errs = append(errs, ValidationError{
			Field:   "retry.max_delay",
			Value:   c.Retry.MaxDelay,
			Message: "must be between 0 and 24 hours (0 means no limit)",
		})
	}
	if c.Retry.MaxDelay > 0 && c.Retry.Delay > c.Retry.MaxDelay {
		errs = append(errs, ValidationError{
			Field:   "retry.max_delay",
			Value:   c.Retry.MaxDelay,
			Message: "must be greater than or equal to base delay",
		})
	}
	if c.Retry.Multiplier < 1.0 || c.Retry.Multiplier > 10.0 {
		errs = append(errs, ValidationError{
			Field:   "retry.multiplier",
			Value:   c.Retry.Multiplier,
			Message: "must be between 1.0 and 10.0",
		})
	}
	for _, status := range c.Retry.Statuses {
		if status < 100 || status > 599 {
			errs = append(errs, ValidationError{
				Field:   "retry.statuses",
				Value:   status,
				Message: "must be valid HTTP status codes",
			})
		}
	}

	switch logging.Level(strings.ToLower(c.Log.Level)) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: "must be debug, info, warn or error",
		})
	}
	if f := logging.Format(c.Log.Format); f != logging.FormatJSON && f != logging.FormatText {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: "must be json or text",
		})
	}

	if c.Mock.Limit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "mock.limit",
			Value:   c.Mock.Limit,
			Message: "must be greater than 0",
		})
	}
	if c.Mock.Window <= 0 {
		errs = append(errs, ValidationError{
			Field:   "mock.window",
			Value:   c.Mock.Window,
			Message: "must be greater than 0",
		})
	}
	if c.Mock.MaxParallel <= 0 {
		errs = append(errs, ValidationError{
			Field:   "mock.max_parallel",
			Value:   c.Mock.MaxParallel,
			Message: "must be greater than 0",
		})
	}
	if c.Mock.Latency < 0 {
		errs = append(errs, ValidationError{
			Field:   "mock.latency",
			Value:   c.Mock.Latency,
			Message: "must be non-negative",
		})
	}

	if len(errs) > 0 {
		var messages []string
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}

// recordDefaults records default values in debug info
func recordDefaults(debug *ConfigDebugInfo) {
	for key, value := range defaults() {
		debug.Sources[key] = SourceDefault
		debug.Values[key] = value
	}
}

// recordConfigFile records config file values in debug info
func recordConfigFile(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range Keys() {
		if v.InConfig(key) {
			debug.Sources[key] = SourceConfigFile
			debug.Values[key] = v.Get(key)
		}
	}
}

// recordEnvironment records environment variable values in debug info
func recordEnvironment(debug *ConfigDebugInfo) {
	for _, key := range Keys() {
		if value := os.Getenv(EnvVar(key)); value != "" {
			debug.Sources[key] = SourceEnvironment
			debug.Values[key] = value
		}
	}
}

// PrintDebugInfo prints configuration debug information
func (debug *ConfigDebugInfo) PrintDebugInfo(w io.Writer) {
	fmt.Fprintln(w, "Configuration Resolution Debug Info:")
	fmt.Fprintln(w, "===================================")

	for _, key := range Keys() {
		fmt.Fprintf(w, "%-42s: %-22v (from %s)\n", key, debug.Values[key], debug.Sources[key])
	}
}
