package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the cortex server and its
// background poller.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Gateway is the external agent-session RPC service.
	GatewayURL   string `yaml:"gateway_url"`
	GatewayToken string `yaml:"gateway_token"`

	// Hosted marks a deployment where a localhost gateway URL can never
	// be reached (serverless or remote hosting). Gateway calls short
	// circuit to "unavailable" in that combination.
	Hosted bool `yaml:"hosted"`

	// DatabaseURL selects the pgx-backed workflow store. Empty keeps the
	// in-memory store, which is fine for a single instance.
	DatabaseURL string `yaml:"database_url"`

	// PollInterval drives the background workflow poll loop.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Video generation integration (optional). Completion of a workflow
	// that produced a video script fires a render request here.
	VideoAPIURL      string `yaml:"video_api_url"`
	VideoAPIKey      string `yaml:"video_api_key"`
	VideoCallbackURL string `yaml:"video_callback_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// EnvLookup matches os.LookupEnv so tests can inject environments.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(name string) ([]byte, error)
	path      string
	overrides []func(*Config)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnv replaces the environment lookup used for overrides.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader replaces the config file reader.
func WithFileReader(read func(name string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// WithPath sets an explicit config file path. Missing files are an
// error when the path was explicit, silently skipped otherwise.
func WithPath(path string) Option {
	return func(o *loadOptions) { o.path = path }
}

// WithOverride applies a caller mutation after file and env layers.
func WithOverride(fn func(*Config)) Option {
	return func(o *loadOptions) { o.overrides = append(o.overrides, fn) }
}

const defaultPath = "cortex.yaml"

// Load builds the configuration: defaults, then the yaml file, then
// CORTEX_* environment variables, then caller overrides.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Config{
		ListenAddr:   ":8080",
		GatewayURL:   "http://localhost:8787",
		PollInterval: 30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "text",
	}

	if err := applyFile(&cfg, options); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, options.envLookup); err != nil {
		return Config{}, err
	}
	for _, fn := range options.overrides {
		fn(&cfg)
	}

	normalize(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, options loadOptions) error {
	path := options.path
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	data, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup EnvLookup) error {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString("CORTEX_LISTEN_ADDR", &cfg.ListenAddr)
	setString("CORTEX_GATEWAY_URL", &cfg.GatewayURL)
	setString("CORTEX_GATEWAY_TOKEN", &cfg.GatewayToken)
	setString("CORTEX_DATABASE_URL", &cfg.DatabaseURL)
	setString("CORTEX_VIDEO_API_URL", &cfg.VideoAPIURL)
	setString("CORTEX_VIDEO_API_KEY", &cfg.VideoAPIKey)
	setString("CORTEX_VIDEO_CALLBACK_URL", &cfg.VideoCallbackURL)
	setString("CORTEX_LOG_LEVEL", &cfg.LogLevel)
	setString("CORTEX_LOG_FORMAT", &cfg.LogFormat)

	if v, ok := lookup("CORTEX_HOSTED"); ok {
		hosted, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CORTEX_HOSTED: %w", err)
		}
		cfg.Hosted = hosted
	}
	if v, ok := lookup("CORTEX_POLL_INTERVAL"); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CORTEX_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = interval
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.GatewayURL = strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
}

// VideoConfigured reports whether the video-generation integration has
// enough configuration to be called.
func (c Config) VideoConfigured() bool {
	return c.VideoAPIURL != "" && c.VideoAPIKey != ""
}
