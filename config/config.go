package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/validation"
)

// EnvPrefix prefixes the environment variables Load reads.
const EnvPrefix = "EXOT"

// Config holds all application configuration.
type Config struct {
	Name            string        `config:"name" json:"name"`
	Host            string        `config:"host" json:"host"`
	Port            int           `config:"port" json:"port" validate:"gte=0,lte=65535"`
	Env             string        `config:"env" json:"env" validate:"oneof=development production test"`
	ReadTimeout     time.Duration `config:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `config:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `config:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `config:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
	Tracing         bool          `config:"tracing" json:"tracing"`
	LogLevel        string        `config:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	H2C             bool          `config:"h2c" json:"h2c"`
	ReusePort       bool          `config:"reuse_port" json:"reuse_port"`
	// Prefix is the static prefix of every route of the root engine.
	Prefix string `config:"prefix" json:"prefix"`
	Router Router `config:"router" json:"router"`
}

// Router mirrors the router options.
type Router struct {
	StrictTrailingSlash  bool `config:"strict_trailing_slash" json:"strict_trailing_slash"`
	KeepDuplicateSlashes bool `config:"keep_duplicate_slashes" json:"keep_duplicate_slashes"`
	CaseInsensitive      bool `config:"case_insensitive" json:"case_insensitive"`
	MaxParamLength       int  `config:"max_param_length" json:"max_param_length"`
	DisableStaticMapping bool `config:"disable_static_mapping" json:"disable_static_mapping"`
}

func defaults() map[string]any {
	return map[string]any{
		"name":             "exot",
		"port":             8080,
		"env":              "development",
		"read_timeout":     "10s",
		"write_timeout":    "30s",
		"idle_timeout":     "120s",
		"shutdown_timeout": "10s",
		"log_level":        "info",
		"router": map[string]any{
			"max_param_length": 100,
		},
	}
}

var validateConfig = validation.MustCompile(Config{})

// New loads the configuration from the process arguments and exits on a
// bad flag or file.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load builds a Config from, in increasing priority: defaults, the YAML
// file named by -config, the .env file named by -env-file, EXOT_*
// environment variables and the remaining flags of args.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("exot", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded into the environment")
	fs.Int("port", 8080, "HTTP server port")
	fs.String("host", "", "interface to bind")
	fs.String("name", "exot", "application name")
	fs.String("env", "development", "environment (development/production/test)")
	fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	fs.Duration("idle-timeout", 120*time.Second, "HTTP keep-alive timeout")
	fs.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
	fs.Bool("tracing", false, "record request traces")
	fs.String("log-level", "info", "log level (debug/info/warn/error)")
	fs.Bool("h2c", false, "serve HTTP/2 without TLS")
	fs.Bool("reuse-port", false, "set SO_REUSEPORT on the listener")
	fs.String("prefix", "", "route prefix")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	m.LoadFromMap("", defaults())
	if *configFile != "" {
		if err := m.LoadFromYAML(*configFile); err != nil {
			return nil, err
		}
	}
	if *envFile != "" {
		if err := m.LoadDotenv(*envFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "env-file":
			return
		}
		m.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	cfg := &Config{}
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if _, err := validation.Run(validateConfig, cfg, "config"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the host:port the server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// AssertEnv validates the process environment against schema (see
// core/validation) and returns the coerced result. Failures are
// *http.ValidationError with an "Env: " message prefix.
func AssertEnv(schema any) (any, error) {
	v, err := validation.Compile(schema)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			env[k] = val
		}
	}
	out, err := validation.Run(v, env, "env")
	if err != nil {
		var ve *http.ValidationError
		if errors.As(err, &ve) {
			return nil, http.NewValidationError("Env: "+ve.Message, ve.Details, ve.Location)
		}
		return nil, err
	}
	return out, nil
}
