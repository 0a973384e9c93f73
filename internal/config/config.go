package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bdougie/deepverify/internal/analyzer"
	"github.com/bdougie/deepverify/internal/extractor"
	"github.com/bdougie/deepverify/internal/storage"
)

// EnvPrefix marks environment overrides, e.g. DEEPVERIFY_CAPABILITY_API_KEY
const EnvPrefix = "DEEPVERIFY_"

// LegacyAPIKeyEnv is read when no capability key is configured otherwise
const LegacyAPIKeyEnv = "LOVABLE_API_KEY"

// DefaultConfigPaths are tried in order when no file is given explicitly
var DefaultConfigPaths = []string{"deepverify.yaml", "deepverify.yml"}

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Capability CapabilityConfig `koanf:"capability"`
	Sampler    SamplerConfig    `koanf:"sampler"`
	Server     ServerConfig     `koanf:"server"`
	Cache      CacheConfig      `koanf:"cache"`
	Database   DatabaseConfig   `koanf:"database"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type CapabilityConfig struct {
	Provider        string        `koanf:"provider"`
	BaseURL         string        `koanf:"base_url"`
	APIKey          string        `koanf:"api_key"`
	Model           string        `koanf:"model"`
	Temperature     float64       `koanf:"temperature"`
	SubmitTimeout   time.Duration `koanf:"submit_timeout"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
}

type SamplerConfig struct {
	Frames          int           `koanf:"frames"`
	MaxWidth        int           `koanf:"max_width"`
	MaxHeight       int           `koanf:"max_height"`
	MetadataTimeout time.Duration `koanf:"metadata_timeout"`
	Quality         float64       `koanf:"quality"`
}

type ServerConfig struct {
	Addr        string `koanf:"addr"`
	RateLimit   int    `koanf:"rate_limit"`
	MaxUploadMB int64  `koanf:"max_upload_mb"`
}

// CacheConfig selects the file backed verdict cache; empty File keeps it in
// memory. MaxDistance above 0 also serves verdicts of near-duplicate frame
// sets, which can hand a manipulated copy the verdict of its source.
type CacheConfig struct {
	File        string  `koanf:"file"`
	MaxDistance float64 `koanf:"max_distance"`
	Workers     int     `koanf:"workers"`
}

// DatabaseConfig enables the Postgres verdict cache when URL is set
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

var defaults = map[string]any{
	"log.level":                   "info",
	"log.format":                  "text",
	"capability.provider":         analyzer.ProviderGateway,
	"capability.temperature":      analyzer.DefaultTemperature,
	"capability.submit_timeout":   analyzer.DefaultSubmitTimeout,
	"capability.breaker_failures": analyzer.DefaultBreakerFailures,
	"sampler.frames":              extractor.DefaultFrameCount,
	"sampler.max_width":           extractor.DefaultMaxWidth,
	"sampler.max_height":          extractor.DefaultMaxHeight,
	"sampler.metadata_timeout":    extractor.DefaultMetadataTimeout,
	"sampler.quality":             extractor.DefaultQuality,
	"server.addr":                 ":8080",
	"server.rate_limit":           30,
	"server.max_upload_mb":        200,
	"cache.max_distance":          storage.DefaultMaxDistance,
	"cache.workers":               4,
}

// LoadEnv reads .env style files into the process environment. Missing
// files are not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load merges defaults, the YAML file at path (or a default path when
// empty) and DEEPVERIFY_ environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("failed to set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if cfg.Capability.APIKey == "" {
		cfg.Capability.APIKey = os.Getenv(LegacyAPIKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps DEEPVERIFY_SECTION_SOME_KEY to section.some_key. Every key
// lives one level below its section, so only the first underscore nests.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + key
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) Validate() error {
	var errs []error
	if c.Sampler.Frames < 1 {
		errs = append(errs, fmt.Errorf("sampler.frames must be at least 1, got %d", c.Sampler.Frames))
	}
	if c.Sampler.Quality <= 0 || c.Sampler.Quality > 1 {
		errs = append(errs, fmt.Errorf("sampler.quality must be in (0,1], got %v", c.Sampler.Quality))
	}
	if c.Sampler.MaxWidth < 1 || c.Sampler.MaxHeight < 1 {
		errs = append(errs, errors.New("sampler.max_width and sampler.max_height must be positive"))
	}
	switch c.Capability.Provider {
	case analyzer.ProviderGateway, analyzer.ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("capability.provider must be %q or %q, got %q",
			analyzer.ProviderGateway, analyzer.ProviderOllama, c.Capability.Provider))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Cache.MaxDistance < 0 || c.Cache.MaxDistance > 2 {
		errs = append(errs, fmt.Errorf("cache.max_distance must be in [0,2], got %v", c.Cache.MaxDistance))
	}
	if c.Server.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB))
	}
	return errors.Join(errs...)
}

// AnalyzerConfig converts the capability section for analyzer.NewClient
func (c *Config) AnalyzerConfig() analyzer.Config {
	return analyzer.Config{
		Provider:        c.Capability.Provider,
		BaseURL:         c.Capability.BaseURL,
		APIKey:          c.Capability.APIKey,
		Model:           c.Capability.Model,
		Temperature:     c.Capability.Temperature,
		SubmitTimeout:   c.Capability.SubmitTimeout,
		BreakerFailures: c.Capability.BreakerFailures,
	}
}

// SamplerOptions converts the sampler section for extractor.NewSampler
func (c *Config) SamplerOptions() extractor.Options {
	return extractor.Options{
		MaxWidth:        c.Sampler.MaxWidth,
		MaxHeight:       c.Sampler.MaxHeight,
		Quality:         c.Sampler.Quality,
		MetadataTimeout: c.Sampler.MetadataTimeout,
	}
}
