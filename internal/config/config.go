package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "taxid2wgs.yaml"
	envPrefix         = "TAXID2WGS_"
)

// Settings holds the ambient knobs shared by every command. Layering:
// built-in defaults, then the optional YAML file, then .env / process
// environment, then command-line flags (applied by the caller).
type Settings struct {
	CatalogURL    string
	ArchiveURL    string
	RunsDir       string
	OutputDir     string
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	LockStaleness time.Duration
	FetchAhead    int
	HTTPTimeout   time.Duration
}

// fileSettings mirrors Settings for the YAML layer. Durations travel as
// strings ("5s", "2m") because the YAML decoder has no duration notion;
// ints are pointers so an explicit zero is distinguishable from absent.
type fileSettings struct {
	CatalogURL    string `yaml:"catalog_url"`
	ArchiveURL    string `yaml:"archive_url"`
	RunsDir       string `yaml:"runs_dir"`
	OutputDir     string `yaml:"output_dir"`
	MaxAttempts   *int   `yaml:"max_attempts"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffCap    string `yaml:"backoff_cap"`
	LockStaleness string `yaml:"lock_staleness"`
	FetchAhead    *int   `yaml:"fetch_ahead"`
	HTTPTimeout   string `yaml:"http_timeout"`
}

func Defaults() Settings {
	return Settings{
		CatalogURL:    "https://www.ncbi.nlm.nih.gov/blast/BDB2EZ",
		ArchiveURL:    "https://ftp.ncbi.nlm.nih.gov/sra/wgs_aux",
		RunsDir:       "runs",
		OutputDir:     ".",
		MaxAttempts:   5,
		BackoffBase:   5 * time.Second,
		BackoffCap:    120 * time.Second,
		LockStaleness: 15 * time.Minute,
		FetchAhead:    1,
		HTTPTimeout:   60 * time.Second,
	}
}

// Load resolves Settings from the layered sources. A missing config file
// is fine; a present but unreadable one is an error.
func Load(path string) (Settings, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}
	if err := loadFromFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Settings{}, err
		}
	}

	// .env is optional and never overrides variables already exported.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return Settings{}, err
	}
	if err := cfg.validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw fileSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if raw.CatalogURL != "" {
		cfg.CatalogURL = raw.CatalogURL
	}
	if raw.ArchiveURL != "" {
		cfg.ArchiveURL = raw.ArchiveURL
	}
	if raw.RunsDir != "" {
		cfg.RunsDir = raw.RunsDir
	}
	if raw.OutputDir != "" {
		cfg.OutputDir = raw.OutputDir
	}
	if raw.MaxAttempts != nil {
		cfg.MaxAttempts = *raw.MaxAttempts
	}
	if raw.FetchAhead != nil {
		cfg.FetchAhead = *raw.FetchAhead
	}
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"backoff_base", raw.BackoffBase, &cfg.BackoffBase},
		{"backoff_cap", raw.BackoffCap, &cfg.BackoffCap},
		{"lock_staleness", raw.LockStaleness, &cfg.LockStaleness},
		{"http_timeout", raw.HTTPTimeout, &cfg.HTTPTimeout},
	} {
		if d.val == "" {
			continue
		}
		dur, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.key, path, err)
		}
		*d.dst = dur
	}
	return nil
}

func applyEnv(cfg *Settings) error {
	if v := os.Getenv(envPrefix + "CATALOG_URL"); v != "" {
		cfg.CatalogURL = v
	}
	if v := os.Getenv(envPrefix + "ARCHIVE_URL"); v != "" {
		cfg.ArchiveURL = v
	}
	if v := os.Getenv(envPrefix + "RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv(envPrefix + "OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv(envPrefix + "MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_ATTEMPTS: %w", envPrefix, err)
		}
		cfg.MaxAttempts = n
	}
	if v := os.Getenv(envPrefix + "FETCH_AHEAD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sFETCH_AHEAD: %w", envPrefix, err)
		}
		cfg.FetchAhead = n
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"BACKOFF_BASE", &cfg.BackoffBase},
		{"BACKOFF_CAP", &cfg.BackoffCap},
		{"LOCK_STALENESS", &cfg.LockStaleness},
		{"HTTP_TIMEOUT", &cfg.HTTPTimeout},
	} {
		if v := os.Getenv(envPrefix + d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, d.key, err)
			}
			*d.dst = dur
		}
	}
	return nil
}

func (s Settings) validate() error {
	if s.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if s.FetchAhead < 1 {
		return errors.New("fetch_ahead must be at least 1")
	}
	if s.BackoffBase <= 0 || s.BackoffCap < s.BackoffBase {
		return errors.New("backoff_cap must be >= backoff_base > 0")
	}
	if s.LockStaleness <= 0 {
		return errors.New("lock_staleness must be positive")
	}
	return nil
}
