// Package config loads go-idlesync settings from files and the environment
// and keeps a live idling.Policies in step with the config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

// EnvPrefix prefixes every environment override, e.g. IDLESYNC_LOG_LEVEL.
const EnvPrefix = "IDLESYNC"

// Config is the root of the configuration tree.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Policies PoliciesConfig `mapstructure:"policies" yaml:"policies"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console, json
}

// PoliciesConfig holds the three idling policies.
type PoliciesConfig struct {
	Master         PolicyConfig `mapstructure:"master" yaml:"master"`
	DynamicWarning PolicyConfig `mapstructure:"dynamic_warning" yaml:"dynamic_warning"`
	DynamicError   PolicyConfig `mapstructure:"dynamic_error" yaml:"dynamic_error"`
}

// PolicyConfig is the file form of idling.IdlingPolicy. Action uses the
// idling.ResponseAction string names.
type PolicyConfig struct {
	Timeout                   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Action                    string        `mapstructure:"action" yaml:"action"`
	TimeoutIfDebuggerAttached bool          `mapstructure:"timeout_if_debugger_attached" yaml:"timeout_if_debugger_attached"`
	DisableOnTimeout          bool          `mapstructure:"disable_on_timeout" yaml:"disable_on_timeout"`
}

// RegistryConfig tunes the idle resource registry.
type RegistryConfig struct {
	Name                 string `mapstructure:"name" yaml:"name"`
	LenientRaceDetection bool   `mapstructure:"lenient_race_detection" yaml:"lenient_race_detection"`
}

// ServerConfig is the debug HTTP server of the idlesync command.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Namespace    string        `mapstructure:"namespace" yaml:"namespace"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	setPolicyDefaults(v, "policies.master", idling.DefaultMasterPolicy())
	setPolicyDefaults(v, "policies.dynamic_warning", idling.DefaultDynamicWarningPolicy())
	setPolicyDefaults(v, "policies.dynamic_error", idling.DefaultDynamicErrorPolicy())

	v.SetDefault("registry.name", "idling-registry")
	v.SetDefault("registry.lenient_race_detection", false)

	v.SetDefault("server.addr", "127.0.0.1:9464")

	v.SetDefault("metrics.namespace", "idlesync")
	v.SetDefault("metrics.poll_interval", 5*time.Second)
}

func setPolicyDefaults(v *viper.Viper, key string, p idling.IdlingPolicy) {
	v.SetDefault(key+".timeout", p.Timeout)
	v.SetDefault(key+".action", p.Action.String())
	v.SetDefault(key+".timeout_if_debugger_attached", p.TimeoutIfDebuggerAttached)
	v.SetDefault(key+".disable_on_timeout", p.DisableOnTimeout)
}

// New returns a viper instance with defaults and environment overrides set.
// path may be empty.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads path (YAML, TOML or JSON by extension) over the defaults. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	return read(New(path), path)
}

func read(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, _, _, err := cfg.Policies.Resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Policy converts the entry to an idling.IdlingPolicy and validates it.
func (p PolicyConfig) Policy() (idling.IdlingPolicy, error) {
	action, err := idling.ParseResponseAction(p.Action)
	if err != nil {
		return idling.IdlingPolicy{}, err
	}
	policy := idling.IdlingPolicy{
		Timeout:                   p.Timeout,
		Action:                    action,
		TimeoutIfDebuggerAttached: p.TimeoutIfDebuggerAttached,
		DisableOnTimeout:          p.DisableOnTimeout,
	}
	return policy, policy.Validate()
}

// Resolve converts all three entries, naming the one that failed.
func (c PoliciesConfig) Resolve() (master, warning, errPolicy idling.IdlingPolicy, err error) {
	if master, err = c.Master.Policy(); err != nil {
		return master, warning, errPolicy, fmt.Errorf("policies.master: %w", err)
	}
	if warning, err = c.DynamicWarning.Policy(); err != nil {
		return master, warning, errPolicy, fmt.Errorf("policies.dynamic_warning: %w", err)
	}
	if errPolicy, err = c.DynamicError.Policy(); err != nil {
		return master, warning, errPolicy, fmt.Errorf("policies.dynamic_error: %w", err)
	}
	return master, warning, errPolicy, nil
}

// Apply installs the configured policies into p atomically.
func (c PoliciesConfig) Apply(p *idling.Policies) error {
	master, warning, errPolicy, err := c.Resolve()
	if err != nil {
		return err
	}
	return p.Replace(master, warning, errPolicy)
}

// NewPolicies returns a policy set holding the configured policies.
func (c *Config) NewPolicies() (*idling.Policies, error) {
	p := idling.NewPolicies()
	if err := c.Policies.Apply(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegistryOptions maps the registry section to idling options.
func (c *Config) RegistryOptions(policies *idling.Policies, logger core.Logger) []idling.RegistryOption {
	opts := []idling.RegistryOption{
		idling.WithRegistryName(c.Registry.Name),
		idling.WithRegistryPolicies(policies),
		idling.WithRegistryLogger(logger),
	}
	if c.Registry.LenientRaceDetection {
		opts = append(opts, idling.WithLenientRaceDetection())
	}
	return opts
}

// PolicyYAML renders the effective policies.
func (c *Config) PolicyYAML() ([]byte, error) {
	master, warning, errPolicy, err := c.Policies.Resolve()
	if err != nil {
		return nil, err
	}
	doc := struct {
		Master         idling.IdlingPolicy `yaml:"master"`
		DynamicWarning idling.IdlingPolicy `yaml:"dynamic_warning"`
		DynamicError   idling.IdlingPolicy `yaml:"dynamic_error"`
	}{master, warning, errPolicy}
	return yaml.Marshal(doc)
}

// NewLogger builds a zerolog-backed core.Logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) core.Logger {
	if strings.ToLower(cfg.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	return core.NewZerologLogger(zl)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
