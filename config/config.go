// Package config loads the configuration of an output task from YAML and
// DATACUBE_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dieynaba77/datacube-core/logger"
	"github.com/dieynaba77/datacube-core/output"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// DATACUBE_STORAGE_DRIVER or DATACUBE_LOGGING_LEVEL.
const EnvPrefix = "DATACUBE"

const dateLayout = "2006-01-02"

// DateRange is the task period, as YYYY-MM-DD dates.
type DateRange struct {
	Start string `yaml:"start" mapstructure:"start"`
	End   string `yaml:"end" mapstructure:"end"`
}

// Period parses the range. Empty dates are zero times.
func (r DateRange) Period() (start, end time.Time, err error) {
	if r.Start != "" {
		if start, err = time.Parse(dateLayout, r.Start); err != nil {
			return start, end, fmt.Errorf("date_range.start: %w", err)
		}
	}
	if r.End != "" {
		if end, err = time.Parse(dateLayout, r.End); err != nil {
			return start, end, fmt.Errorf("date_range.end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("date_range.end %s is before start %s", r.End, r.Start)
	}
	return start, end, nil
}

// TaskConfig is everything about an output task that does not come from
// the computation itself.
type TaskConfig struct {
	Storage          output.StorageConfig              `yaml:"storage" mapstructure:"storage"`
	OutputPath       string                            `yaml:"output_location" mapstructure:"output_location"`
	AppInfo          string                            `yaml:"app_info" mapstructure:"app_info"`
	GlobalAttributes map[string]interface{}            `yaml:"global_attributes" mapstructure:"global_attributes"`
	VarAttributes    map[string]map[string]interface{} `yaml:"var_attributes" mapstructure:"var_attributes"`
	DateRange        DateRange                         `yaml:"date_range" mapstructure:"date_range"`
	Logging          logger.Config                     `yaml:"logging" mapstructure:"logging"`
}

// ApplyDefaults applies default values to the task configuration.
func (c *TaskConfig) ApplyDefaults() {
	if c.OutputPath == "" {
		c.OutputPath = "."
	}
	if c.AppInfo == "" {
		c.AppInfo = "datacube-core"
	}
	if len(c.Storage.DimensionOrder) == 0 {
		c.Storage.DimensionOrder = []string{"time", "y", "x"}
	}
	c.Logging.ApplyDefaults()
}

// Validate validates the task configuration.
func (c *TaskConfig) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if _, _, err := c.DateRange.Period(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Params builds the driver parameters of a task writing products.
func (c *TaskConfig) Params(products []*output.OutputProduct, log *logger.Logger) (*output.Params, error) {
	start, end, err := c.DateRange.Period()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New(c.Logging)
	}
	return &output.Params{
		Products:         products,
		Storage:          c.Storage,
		OutputPath:       c.OutputPath,
		AppInfo:          c.AppInfo,
		GlobalAttributes: c.GlobalAttributes,
		VarAttributes:    c.VarAttributes,
		Start:            start,
		End:              end,
		Logger:           log,
	}, nil
}

// LoaderConfig holds optional overrides for Load.
type LoaderConfig struct {
	ConfigFile string
	EnvPrefix  string
	// Registry, when set, must know the configured driver.
	Registry *output.Registry
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithConfigFile sets the YAML file to read.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvPrefix replaces EnvPrefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvPrefix = prefix }
}

// WithRegistry checks storage.driver against reg.
func WithRegistry(reg *output.Registry) LoaderOption {
	return func(lc *LoaderConfig) { lc.Registry = reg }
}

// Load reads the configuration file, when one is given, overlays the
// environment, applies defaults and validates the result.
func Load(opts ...LoaderOption) (*TaskConfig, error) {
	lc := LoaderConfig{EnvPrefix: EnvPrefix}
	for _, opt := range opts {
		opt(&lc)
	}

	v := viper.New()
	// Keys must be known to viper for AutomaticEnv to reach them.
	for key, value := range map[string]interface{}{
		"storage.driver":    "",
		"storage.crs":       "",
		"output_location":   "",
		"app_info":          "",
		"date_range.start":  "",
		"date_range.end":    "",
		"logging.level":     "",
		"logging.format":    "",
		"logging.output":    "",
		"logging.no_color":  false,
		"logging.timestamp": false,
	} {
		v.SetDefault(key, value)
	}

	if lc.ConfigFile != "" {
		v.SetConfigFile(lc.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", lc.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(lc.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &TaskConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lc.Registry != nil {
		if _, err := lc.Registry.Resolve(cfg.Storage.Driver); err != nil {
			return nil, fmt.Errorf("storage.driver: %w", err)
		}
	}
	return cfg, nil
}
