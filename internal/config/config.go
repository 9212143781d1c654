// Package config loads snapera settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
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

// Duration is a time.Duration written as a string ("5s", "6m") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Server struct {
	Port           string   `yaml:"port"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	SessionIdle    Duration `yaml:"session_idle"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Providers selects the text/vision provider used for analysis and personas.
type Providers struct {
	Text          string `yaml:"text"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiModel   string `yaml:"gemini_model"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIModel   string `yaml:"openai_model"`
	OllamaURL     string `yaml:"ollama_url"`
	OllamaModel   string `yaml:"ollama_model"`
}

// Media configures portrait and animation generation.
type Media struct {
	ImageModel       string `yaml:"image_model"`
	VideoModel       string `yaml:"video_model"`
	VideoSeconds     int32  `yaml:"video_seconds"`
	AspectRatio      string `yaml:"aspect_ratio"`
	PersonGeneration string `yaml:"person_generation"`
}

type Pipeline struct {
	AnimationPolicy string   `yaml:"animation_policy"`
	PollInterval    Duration `yaml:"poll_interval"`
	PollMaxInterval Duration `yaml:"poll_max_interval"`
	PollMultiplier  float64  `yaml:"poll_multiplier"`
	MaxWait         Duration `yaml:"max_wait"`
}

type Quota struct {
	DailyLimit int      `yaml:"daily_limit"`
	Store      string   `yaml:"store"`
	DSN        string   `yaml:"dsn"`
	TimeZone   string   `yaml:"time_zone"`
	HoldTTL    Duration `yaml:"hold_ttl"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Providers Providers `yaml:"providers"`
	Media     Media     `yaml:"media"`
	Pipeline  Pipeline  `yaml:"pipeline"`
	Quota     Quota     `yaml:"quota"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           "8888",
			MaxUploadBytes: 10 << 20,
			SessionIdle:    Duration(30 * time.Minute),
		},
		Log: Log{Level: "info", Format: "auto"},
		Providers: Providers{
			Text:        "gemini",
			GeminiModel: "gemini-2.0-flash",
			OpenAIModel: "gpt-4o",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "mistral-small3.2:24b",
		},
		Media: Media{
			ImageModel:       "gemini-2.0-flash-preview-image-generation",
			VideoModel:       "veo-2.0-generate-001",
			VideoSeconds:     5,
			AspectRatio:      "16:9",
			PersonGeneration: "allow_adult",
		},
		Pipeline: Pipeline{
			AnimationPolicy: "best_effort",
			PollInterval:    Duration(5 * time.Second),
			PollMaxInterval: Duration(5 * time.Second),
			PollMultiplier:  1,
			MaxWait:         Duration(6 * time.Minute),
		},
		Quota: Quota{
			DailyLimit: 5,
			Store:      "memory",
			TimeZone:   "UTC",
			HoldTTL:    Duration(time.Hour),
		},
	}
}

// Load applies the YAML file at path (if non-empty) and then environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("SNAPERA_PORT", &c.Server.Port)
	str("SNAPERA_LOG_LEVEL", &c.Log.Level)
	str("SNAPERA_LOG_FORMAT", &c.Log.Format)

	str("SNAPERA_TEXT_PROVIDER", &c.Providers.Text)
	str("GEMINI_API_KEY", &c.Providers.GeminiAPIKey)
	str("GEMINI_MODEL", &c.Providers.GeminiModel)
	str("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.Providers.OpenAIBaseURL)
	str("OPENAI_MODEL", &c.Providers.OpenAIModel)
	str("OLLAMA_HOST", &c.Providers.OllamaURL)
	str("OLLAMA_URL", &c.Providers.OllamaURL)
	str("OLLAMA_MODEL", &c.Providers.OllamaModel)

	str("SNAPERA_IMAGE_MODEL", &c.Media.ImageModel)
	str("SNAPERA_VIDEO_MODEL", &c.Media.VideoModel)

	str("SNAPERA_ANIMATION_POLICY", &c.Pipeline.AnimationPolicy)
	dur("SNAPERA_POLL_INTERVAL", &c.Pipeline.PollInterval)
	dur("SNAPERA_MAX_WAIT", &c.Pipeline.MaxWait)

	if v, ok := lookup("SNAPERA_DAILY_LIMIT"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SNAPERA_DAILY_LIMIT: %w", err))
		} else {
			c.Quota.DailyLimit = n
		}
	}
	str("SNAPERA_QUOTA_STORE", &c.Quota.Store)
	str("SNAPERA_QUOTA_DSN", &c.Quota.DSN)
	str("SNAPERA_QUOTA_TZ", &c.Quota.TimeZone)
	dur("SNAPERA_QUOTA_HOLD_TTL", &c.Quota.HoldTTL)

	return errors.Join(errs...)
}

// TextModel returns the model name for the selected text provider.
func (c *Config) TextModel() string {
	switch c.Providers.Text {
	case "openai":
		return c.Providers.OpenAIModel
	case "ollama":
		return c.Providers.OllamaModel
	default:
		return c.Providers.GeminiModel
	}
}

// Location resolves Quota.TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.Quota.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Quota.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("quota.time_zone: %w", err)
	}
	return loc, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Providers.Text {
	case "gemini", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("providers.text: unsupported provider %q", c.Providers.Text))
	}
	if c.TextModel() == "" {
		errs = append(errs, fmt.Errorf("providers: no model configured for %s", c.Providers.Text))
	}
	switch c.Pipeline.AnimationPolicy {
	case "best_effort", "required":
	default:
		errs = append(errs, fmt.Errorf("pipeline.animation_policy: unsupported value %q", c.Pipeline.AnimationPolicy))
	}
	if c.Pipeline.PollInterval <= 0 {
		errs = append(errs, errors.New("pipeline.poll_interval must be positive"))
	}
	if c.Pipeline.MaxWait <= 0 {
		errs = append(errs, errors.New("pipeline.max_wait must be positive"))
	}
	if c.Pipeline.PollMultiplier < 1 {
		errs = append(errs, errors.New("pipeline.poll_multiplier must be at least 1"))
	}
	if c.Quota.HoldTTL <= 0 {
		errs = append(errs, errors.New("quota.hold_ttl must be positive"))
	}
	if c.Quota.DailyLimit < 1 {
		errs = append(errs, errors.New("quota.daily_limit must be at least 1"))
	}
	switch c.Quota.Store {
	case "memory":
	case "sqlite", "postgres":
		if c.Quota.DSN == "" {
			errs = append(errs, fmt.Errorf("quota.dsn is required for the %s store", c.Quota.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.store: unsupported value %q", c.Quota.Store))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}
