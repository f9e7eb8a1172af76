package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
)

// AppName names the XDG directories of the DRP.
const AppName = "huntsman-drp"

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds the DRP configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Collections CollectionsConfig `yaml:"collections"`
	Calibs      CalibsConfig      `yaml:"calibs"`
	Quality     QualityConfig     `yaml:"quality"`
	FITS        FITSConfig        `yaml:"fits"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Refcat      RefcatConfig      `yaml:"refcat"`
	Services    ServicesConfig    `yaml:"services"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // sqlite, redis (default: sqlite)
	Path             string   `yaml:"path"`   // sqlite file
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// CollectionsConfig names the document collections.
type CollectionsConfig struct {
	Exposures string `yaml:"exposures"`
	Calibs    string `yaml:"calibs"`
}

// CalibsConfig controls calib matching, building and archival.
type CalibsConfig struct {
	Types           []string            `yaml:"types"`
	MatchingColumns map[string][]string `yaml:"matching_columns"`
	ValidityDays    float64             `yaml:"validity_days"`
	ArchiveDir      string              `yaml:"archive_dir"`
}

// Validity returns ValidityDays as a duration.
func (c CalibsConfig) Validity() time.Duration {
	return time.Duration(c.ValidityDays * float64(24*time.Hour))
}

// QualityConfig selects raw metrics and screening criteria.
type QualityConfig struct {
	RawMetrics  []string `yaml:"raw_metrics"`
	BitDepthKey string   `yaml:"bit_depth_key"`
	// Criteria are filter documents keyed by observation type.
	Criteria map[string]map[string]any `yaml:"criteria"`
}

// FITSConfig describes where raw files arrive and how headers map to fields.
type FITSConfig struct {
	Directory string `yaml:"directory"`
	// HeaderMapping overrides document field -> header key entries.
	HeaderMapping map[string]string `yaml:"header_mapping"`
}

// PipelineConfig holds the external pipeline command templates.
type PipelineConfig struct {
	Build        []string `yaml:"build"`
	Process      []string `yaml:"process"`
	Env          []string `yaml:"env"`
	WorkspaceDir string   `yaml:"workspace_dir"`
}

// RefcatConfig holds reference catalogue settings. Path is a fixed catalogue;
// otherwise URL names the catalogue service.
type RefcatConfig struct {
	URL           string  `yaml:"url"`
	Path          string  `yaml:"path"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	MaxElapsedSec int     `yaml:"max_elapsed_sec"`
	Radius        float64 `yaml:"radius"`
}

// ServicesConfig configures the background services.
type ServicesConfig struct {
	Ingestor   ServiceConfig `yaml:"ingestor"`
	CalibMaker ServiceConfig `yaml:"calib_maker"`
	Quality    ServiceConfig `yaml:"quality"`
	Health     ServiceConfig `yaml:"health"`
}

// ServiceConfig configures one background service.
type ServiceConfig struct {
	Enabled           bool `yaml:"enabled"`
	Workers           int  `yaml:"workers"`
	StatusIntervalSec int  `yaml:"status_interval_sec"`
	QueueIntervalSec  int  `yaml:"queue_interval_sec"`
	SleepIntervalSec  int  `yaml:"sleep_interval_sec"`
}

// StatusInterval returns StatusIntervalSec as a duration.
func (s ServiceConfig) StatusInterval() time.Duration {
	return time.Duration(s.StatusIntervalSec) * time.Second
}

// QueueInterval returns QueueIntervalSec as a duration.
func (s ServiceConfig) QueueInterval() time.Duration {
	return time.Duration(s.QueueIntervalSec) * time.Second
}

// SleepInterval returns SleepIntervalSec as a duration.
func (s ServiceConfig) SleepInterval() time.Duration {
	return time.Duration(s.SleepIntervalSec) * time.Second
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// DataDir is the XDG data directory of the DRP.
func DataDir() string {
	xdg.Reload()
	return filepath.Join(xdg.DataHome, AppName)
}

// CacheDir is the XDG cache directory of the DRP.
func CacheDir() string {
	xdg.Reload()
	return filepath.Join(xdg.CacheHome, AppName)
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "drp.db")
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Collections.Exposures == "" {
		c.Collections.Exposures = "raw_exposures"
	}
	if c.Collections.Calibs == "" {
		c.Collections.Calibs = "master_calibs"
	}
	if len(c.Calibs.Types) == 0 {
		c.Calibs.Types = append([]string(nil), domcalib.Order...)
	}
	if len(c.Calibs.MatchingColumns) == 0 {
		c.Calibs.MatchingColumns = map[string][]string{
			domcalib.TypeBias:    {domcalib.FieldCameraName},
			domcalib.TypeDark:    {domcalib.FieldCameraName},
			domcalib.TypeFlat:    {domcalib.FieldCameraName, domcalib.FieldFilter},
			domcalib.TypeDefects: {domcalib.FieldCameraName},
		}
	}
	if c.Calibs.ValidityDays <= 0 {
		c.Calibs.ValidityDays = 1
	}
	if c.Calibs.ArchiveDir == "" {
		c.Calibs.ArchiveDir = filepath.Join(DataDir(), "archive")
	}
	if c.Quality.BitDepthKey == "" {
		c.Quality.BitDepthKey = "BITDEPTH"
	}
	if c.Pipeline.WorkspaceDir == "" {
		c.Pipeline.WorkspaceDir = filepath.Join(CacheDir(), "workspaces")
	}
	if c.Refcat.TimeoutSec <= 0 {
		c.Refcat.TimeoutSec = 60
	}
	if c.Refcat.Radius <= 0 {
		c.Refcat.Radius = 1
	}
	for _, s := range []*ServiceConfig{
		&c.Services.Ingestor, &c.Services.CalibMaker, &c.Services.Quality, &c.Services.Health,
	} {
		if s.Workers <= 0 {
			s.Workers = 1
		}
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverRedis:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverRedis, c.Database.Driver)
	}
	if c.Collections.Exposures == c.Collections.Calibs {
		return fmt.Errorf("collections.exposures and collections.calibs must differ")
	}
	for _, t := range c.Calibs.Types {
		if domcalib.Rank(t) == len(domcalib.Order) {
			return fmt.Errorf("calibs.types: unknown dataset type %q", t)
		}
		if len(c.Calibs.MatchingColumns[t]) == 0 {
			return fmt.Errorf("calibs.matching_columns.%s is required", t)
		}
	}
	if c.Services.Ingestor.Enabled && c.FITS.Directory == "" {
		return fmt.Errorf("fits.directory is required by the ingestor")
	}
	if c.Services.CalibMaker.Enabled && len(c.Pipeline.Build) == 0 {
		return fmt.Errorf("pipeline.build is required by the calib maker")
	}
	if c.Services.Quality.Enabled {
		if len(c.Pipeline.Process) == 0 {
			return fmt.Errorf("pipeline.process is required by the quality monitor")
		}
		if c.Refcat.URL == "" && c.Refcat.Path == "" {
			return fmt.Errorf("refcat.url or refcat.path is required by the quality monitor")
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check the XDG config directories
	if path, err := xdg.SearchConfigFile(filepath.Join(AppName, filename)); err == nil {
		return path
	}

	// 3. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 4. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
