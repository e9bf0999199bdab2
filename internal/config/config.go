// Package config loads the operator-facing YAML configuration file. Values
// may reference environment variables with ${VAR} substitution; structural
// validation happens at load time so a broken file fails the process before
// it binds a port
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/drone/envsubst"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/rpselect"
	perr "fluxgate/internal/platform/errors"
)

// Duration accepts Go duration syntax ("60s", "1m30s") in YAML scalars,
// which yaml.v3 does not do for time.Duration itself
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// RetentionPolicy is one configured retention tier; Duration uses Go
// duration syntax ("720h", "720h0m0s")
type RetentionPolicy struct {
	Name     string `yaml:"name" validate:"required"`
	Duration string `yaml:"duration" validate:"required"`
	Default  bool   `yaml:"default"`
	Interval string `yaml:"interval"`
}

// AggregationRule declares how measurements matching Regexp are downsampled
type AggregationRule struct {
	Regexp   string `yaml:"regexp" validate:"required"`
	Function string `yaml:"function" validate:"required,oneof=mean sum"`
}

// Config is the whole proxy configuration
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	BackendHost     string   `yaml:"backend_host"`
	BackendPort     int      `yaml:"backend_port" validate:"min=1,max=65535"`
	BackendUser     string   `yaml:"backend_user"`
	BackendPassword string   `yaml:"backend_password"`
	BackendRetries  int      `yaml:"backend_retries" validate:"min=0"`
	RequestTimeout  Duration `yaml:"request_timeout"`

	Rules []string `yaml:"rules"`

	MaxNbPointsPerSeries int64 `yaml:"max_nb_points_per_series" validate:"min=0"`
	MaxNbPointsPerQuery  int64 `yaml:"max_nb_points_per_query" validate:"min=0"`

	CounterOverflows map[string]map[string]float64 `yaml:"counter_overflows"`

	AggregationProperties map[string][]AggregationRule `yaml:"aggregation_properties" validate:"dive,dive"`

	AutoRetrieveRetentionPolicies *bool                        `yaml:"auto_retrieve_retention_policies"`
	RetentionPolicies             map[string][]RetentionPolicy `yaml:"retention_policies" validate:"dive,dive"`

	OverrideExplicitRP bool `yaml:"override_explicit_rp"`

	Pidfile string `yaml:"pidfile"`
	Logfile string `yaml:"logfile"`
}

// Default returns the built-in configuration, good for a local backend
func Default() Config {
	yes := true
	return Config{
		Host:                          "localhost",
		Port:                          8888,
		BackendHost:                   "localhost",
		BackendPort:                   8086,
		BackendRetries:                3,
		RequestTimeout:                Duration(60 * time.Second),
		Rules:                         []string{"remove_partial_intervals_case_sum_group_by_time"},
		AutoRetrieveRetentionPolicies: &yes,
		Pidfile:                       "/var/run/fluxgate.pid",
	}
}

// Load reads, substitutes and validates a config file. An empty path yields
// the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, perr.Wrapf(err, perr.ErrorCodeValidation, "read config file %s", path)
	}
	substituted, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return Config{}, perr.Wrapf(err, perr.ErrorCodeValidation, "substitute env in %s", path)
	}
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return Config{}, perr.Wrapf(err, perr.ErrorCodeValidation, "parse config file %s", path)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, perr.Wrapf(err, perr.ErrorCodeValidation, "validate config file %s", path)
	}
	return cfg, nil
}

// AutoRetrieve reports whether the catalog is discovered from the backend
// at startup (the default)
func (c Config) AutoRetrieve() bool {
	return c.AutoRetrieveRetentionPolicies == nil || *c.AutoRetrieveRetentionPolicies
}

// CompiledAggregation compiles the aggregation rule patterns
func (c Config) CompiledAggregation() (rpselect.AggregationProperties, error) {
	out := rpselect.AggregationProperties{}
	for schema, list := range c.AggregationProperties {
		for _, rule := range list {
			re, err := regexp.Compile(rule.Regexp)
			if err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeValidation,
					"aggregation regexp %q for schema %s", rule.Regexp, schema)
			}
			out[schema] = append(out[schema], rpselect.AggregationRule{Regexp: re, Function: rule.Function})
		}
	}
	return out, nil
}

// CompiledRetentionPolicies parses the configured RP durations into the
// catalog override map
func (c Config) CompiledRetentionPolicies() (map[string][]catalog.RetentionPolicy, error) {
	out := map[string][]catalog.RetentionPolicy{}
	for schema, list := range c.RetentionPolicies {
		for _, rp := range list {
			d, err := time.ParseDuration(rp.Duration)
			if err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeValidation,
					"retention policy duration %q for %s.%s", rp.Duration, schema, rp.Name)
			}
			out[schema] = append(out[schema], catalog.RetentionPolicy{
				Name:     rp.Name,
				Duration: d,
				Default:  rp.Default,
				Interval: rp.Interval,
			})
		}
	}
	return out, nil
}
