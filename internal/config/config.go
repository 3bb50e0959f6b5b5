package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objectstore"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultOutputDir         = "notion-export"
	DefaultLedgerFile        = "files-map.json"
	DefaultCacheDir          = ".notion-cache"
	DefaultRequestsPerSecond = 3
	DefaultTimeout           = 30 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	RootID            string       `yaml:"rootId"`
	RootKind          string       `yaml:"rootKind"`
	OutputDir         string       `yaml:"outputDir"`
	LedgerFile        string       `yaml:"ledgerFile"`
	Cache             CacheConfig  `yaml:"cache"`
	SkipMetadata      bool         `yaml:"skipMetadata"`
	SkipAssets        bool         `yaml:"skipAssets"`
	Workers           int          `yaml:"workers"`
	RequestsPerSecond float64      `yaml:"requestsPerSecond"`
	Notion            NotionConfig `yaml:"notion"`
}

type CacheConfig struct {
	// Directory is a path or a backend DSN.
	Directory string `yaml:"directory"`
	Clean     bool   `yaml:"clean"`
	Strategy  string `yaml:"strategy"`
}

type NotionConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	APIVersion string        `yaml:"apiVersion"`
	Timeout    time.Duration `yaml:"timeout"`
	// Token only comes from the environment or flags.
	Token string `yaml:"-"`
}

// Defaults builds a config from built-in values overridden by environment
// variables read through getenv.
func Defaults(getenv func(string) string, logger Logger) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{getenv: getenv, logger: logger}
	return Config{
		RootID:     env.string("NOTION_DOWNLOADER_ROOT_ID", ""),
		RootKind:   env.string("NOTION_DOWNLOADER_ROOT_KIND", string(notion.ObjectPage)),
		OutputDir:  env.string("NOTION_DOWNLOADER_OUTPUT_DIR", DefaultOutputDir),
		LedgerFile: env.string("NOTION_DOWNLOADER_LEDGER_FILE", DefaultLedgerFile),
		Cache: CacheConfig{
			Directory: env.string("NOTION_DOWNLOADER_CACHE_DIR", DefaultCacheDir),
			Strategy:  env.string("NOTION_DOWNLOADER_CACHE_STRATEGY", string(objectstore.StrategyCache)),
		},
		Workers:           env.int("NOTION_DOWNLOADER_WORKERS", 1),
		RequestsPerSecond: env.float("NOTION_DOWNLOADER_REQUESTS_PER_SECOND", DefaultRequestsPerSecond),
		Notion: NotionConfig{
			BaseURL:    env.string("NOTION_BASE_URL", notion.DefaultBaseURL),
			APIVersion: env.string("NOTION_API_VERSION", notion.DefaultAPIVersion),
			Timeout:    env.duration("NOTION_DOWNLOADER_TIMEOUT", DefaultTimeout),
			Token:      env.string("NOTION_TOKEN", ""),
		},
	}
}

// Load reads a YAML file over base. An empty path returns base unchanged.
func Load(path string, base Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data, base)
}

// Parse decodes YAML over base; fields absent from the document keep base
// values. Unknown fields are rejected.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Notion.Token = base.Notion.Token
	return cfg, nil
}

// Validate checks the config and normalizes the root id. It runs before any
// network or cache I/O.
func (c *Config) Validate() error {
	var errs []error
	if _, err := objectstore.ParseStrategy(c.Cache.Strategy); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.RootID) == "" {
		errs = append(errs, fmt.Errorf("%w: rootId is required", ErrInvalidConfig))
	} else if id, err := notion.NormalizeID(c.RootID); err != nil {
		errs = append(errs, fmt.Errorf("%w: rootId: %v", ErrInvalidConfig, err))
	} else {
		c.RootID = id
	}
	if kind, err := notion.ParseObjectKind(c.RootKind); err != nil || kind == notion.ObjectBlock {
		errs = append(errs, fmt.Errorf("%w: rootKind %q (want page or database)", ErrInvalidConfig, c.RootKind))
	} else {
		c.RootKind = string(kind)
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%w: requestsPerSecond must not be negative", ErrInvalidConfig))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, fmt.Errorf("%w: outputDir is required", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func (c Config) CacheOptions() objectstore.Options {
	return objectstore.Options{
		Directory:  c.Cache.Directory,
		CleanCache: c.Cache.Clean,
		Strategy:   objectstore.Strategy(c.Cache.Strategy),
	}
}

type envReader struct {
	getenv func(string) string
	logger Logger
}

func (e envReader) string(name, fallback string) string {
	value := strings.TrimSpace(e.getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) int(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
