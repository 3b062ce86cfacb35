package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given. A missing file at the
// default path is not an error; an explicitly given path must exist.
const DefaultPath = "keyrelay.yaml"

type Config struct {
	Server struct {
		Listen            string `yaml:"listen"`
		ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
		WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
		ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	} `yaml:"server"`

	Upstream struct {
		TimeoutMs  int    `yaml:"timeout_ms"`
		HTTPSProxy string `yaml:"https_proxy"`
		NoProxy    string `yaml:"no_proxy"`
	} `yaml:"upstream"`

	Gemini struct {
		// APIKey is only ever read from GEMINI_API_KEY.
		APIKey  string `yaml:"-"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"gemini"`

	TMDB struct {
		// APIKey is only ever read from TMDB_API_KEY.
		APIKey  string `yaml:"-"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"tmdb"`

	OpenRouter struct {
		// APIKey is only ever read from OPENROUTER_API_KEY.
		APIKey  string `yaml:"-"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
		Referer string `yaml:"referer"`
		Title   string `yaml:"title"`
	} `yaml:"openrouter"`

	CORS struct {
		AllowOrigins []string `yaml:"allow_origins"`
	} `yaml:"cors"`

	TrafficDump struct {
		Enabled  bool   `yaml:"enabled"`
		Dir      string `yaml:"dir"`
		FilePath string `yaml:"file_path"`
		MaxBytes int    `yaml:"max_bytes"`
	} `yaml:"traffic_dump"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Logging struct {
		AccessLog     *bool  `yaml:"access_log"`
		AccessLogPath string `yaml:"access_log_path"`
	} `yaml:"logging"`
}

// Load reads the yaml file at path (optional when path is DefaultPath or
// empty), then applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	path = strings.TrimSpace(path)
	if path != "" {
		// #nosec G304 -- config path comes from trusted flag.
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %q: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = ":3000"
	}
	if cfg.Server.ReadTimeoutMs <= 0 {
		cfg.Server.ReadTimeoutMs = 30000
	}
	if cfg.Server.WriteTimeoutMs <= 0 {
		cfg.Server.WriteTimeoutMs = 30000
	}
	if cfg.Server.ShutdownTimeoutMs <= 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Upstream.TimeoutMs <= 0 {
		cfg.Upstream.TimeoutMs = 10000
	}
	if strings.TrimSpace(cfg.Gemini.Model) == "" {
		cfg.Gemini.Model = "gemini-1.5-flash"
	}
	if strings.TrimSpace(cfg.Gemini.BaseURL) == "" {
		cfg.Gemini.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.TMDB.BaseURL) == "" {
		cfg.TMDB.BaseURL = "https://api.themoviedb.org/3"
	}
	if strings.TrimSpace(cfg.OpenRouter.Model) == "" {
		cfg.OpenRouter.Model = "mistralai/mistral-7b-instruct:free"
	}
	if strings.TrimSpace(cfg.OpenRouter.BaseURL) == "" {
		cfg.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if len(cfg.CORS.AllowOrigins) == 0 {
		cfg.CORS.AllowOrigins = []string{"*"}
	}
	if strings.TrimSpace(cfg.TrafficDump.Dir) == "" {
		cfg.TrafficDump.Dir = "./dumps"
	}
	if strings.TrimSpace(cfg.TrafficDump.FilePath) == "" {
		cfg.TrafficDump.FilePath = "{{.request_id}}.log"
	}
	if cfg.TrafficDump.MaxBytes == 0 {
		cfg.TrafficDump.MaxBytes = 1 * 1024 * 1024
	}
	// default true
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(true)
	}
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = boolPtr(true)
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KEYRELAY_LISTEN")); v != "" {
		cfg.Server.Listen = v
	}
	cfg.Server.ReadTimeoutMs = envPositiveInt("KEYRELAY_READ_TIMEOUT_MS", cfg.Server.ReadTimeoutMs)
	cfg.Server.WriteTimeoutMs = envPositiveInt("KEYRELAY_WRITE_TIMEOUT_MS", cfg.Server.WriteTimeoutMs)
	cfg.Upstream.TimeoutMs = envPositiveInt("KEYRELAY_UPSTREAM_TIMEOUT_MS", cfg.Upstream.TimeoutMs)

	cfg.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("GEMINI_MODEL")); v != "" {
		cfg.Gemini.Model = v
	}
	cfg.TMDB.APIKey = strings.TrimSpace(os.Getenv("TMDB_API_KEY"))
	cfg.OpenRouter.APIKey = strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL")); v != "" {
		cfg.OpenRouter.Model = v
	}

	if v := strings.TrimSpace(os.Getenv("KEYRELAY_CORS_ALLOW_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.CORS.AllowOrigins = origins
		}
	}

	cfg.TrafficDump.Enabled = envBool("KEYRELAY_TRAFFIC_DUMP_ENABLED", cfg.TrafficDump.Enabled)
	if v := strings.TrimSpace(os.Getenv("KEYRELAY_TRAFFIC_DUMP_DIR")); v != "" {
		cfg.TrafficDump.Dir = v
	}
	cfg.Metrics.Enabled = boolPtr(envBool("KEYRELAY_METRICS_ENABLED", *cfg.Metrics.Enabled))
	cfg.Logging.AccessLog = boolPtr(envBool("KEYRELAY_ACCESS_LOG", *cfg.Logging.AccessLog))
	if v := strings.TrimSpace(os.Getenv("KEYRELAY_ACCESS_LOG_PATH")); v != "" {
		cfg.Logging.AccessLogPath = v
	}
}

// Provider keys are deliberately not validated here: a missing key is
// reported per request by the relay, not at boot.
func validate(cfg *Config) error {
	if cfg.TrafficDump.MaxBytes < 0 {
		return errors.New("traffic_dump.max_bytes must be non-negative")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	for _, o := range cfg.CORS.AllowOrigins {
		if o == "*" {
			if len(cfg.CORS.AllowOrigins) > 1 {
				return errors.New(`cors.allow_origins: "*" cannot be combined with explicit origins`)
			}
			continue
		}
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("cors.allow_origins: invalid origin %q", o)
		}
	}
	return nil
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMs) * time.Millisecond
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutMs) * time.Millisecond
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

func (c *Config) AccessLogEnabled() bool {
	return c.Logging.AccessLog != nil && *c.Logging.AccessLog
}

// Secrets lists every configured provider key. Used for redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Gemini.APIKey, c.TMDB.APIKey, c.OpenRouter.APIKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envPositiveInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func boolPtr(v bool) *bool { return &v }
