// Package config loads the experiment settings snapshot. The snapshot is read
// once per process and then passed by pointer to every component; nothing
// mutates it after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFile is used when no config path is given on the command line.
const DefaultConfigFile = "./config.yaml"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ExperimentConfig is the immutable settings snapshot for one experiment.
type ExperimentConfig struct {
	// Path is the absolute path of the file the snapshot was read from.
	Path string `mapstructure:"-"`

	DB         DBConfig         `mapstructure:"db"`
	Experiment ExperimentParams `mapstructure:"experiment"`
	Arena      ArenaConfig      `mapstructure:"arena"`
	Population PopulationConfig `mapstructure:"population"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type DBConfig struct {
	DBString string `mapstructure:"db_string"`
}

type ExperimentParams struct {
	Name              string  `mapstructure:"name"`
	PathPrefix        string  `mapstructure:"path_prefix"`
	Debug             bool    `mapstructure:"debug"`
	WallTime          int     `mapstructure:"self_wall_time"`
	EndTime           float64 `mapstructure:"end_time"`
	RandomGranularity float64 `mapstructure:"random_granularity"`
}

type ArenaConfig struct {
	X    float64 `mapstructure:"x"`
	Y    float64 `mapstructure:"y"`
	Type string  `mapstructure:"type"`
}

type PopulationConfig struct {
	Size        int     `mapstructure:"size"`
	Random      bool    `mapstructure:"random"`
	RandomStart float64 `mapstructure:"random_start"`
	RandomEnd   float64 `mapstructure:"random_end"`
	MaxAge      float64 `mapstructure:"max_age"`
}

// WorkersConfig holds the poll cadence and the commands backing each worker.
type WorkersConfig struct {
	PauseTime      int      `mapstructure:"pause_time"`
	HyperNEAT      []string `mapstructure:"hyperneat"`
	Simulation     []string `mapstructure:"simulation"`
	Postprocessing []string `mapstructure:"postprocessing"`
}

type SchedulerConfig struct {
	Kind          string        `mapstructure:"kind"`
	Queue         string        `mapstructure:"queue"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("experiment.path_prefix", "~/EC14-Exp-")
	v.SetDefault("experiment.self_wall_time", 290)
	v.SetDefault("experiment.random_granularity", 10000.0)
	v.SetDefault("arena.type", "")
	v.SetDefault("population.max_age", 0.0)
	v.SetDefault("workers.pause_time", 10)
	v.SetDefault("workers.hyperneat", []string{"ec14-hyperneat"})
	v.SetDefault("workers.simulation", []string{"ec14-voxelyze"})
	v.SetDefault("workers.postprocessing", []string{"ec14-postprocessing"})
	v.SetDefault("scheduler.kind", "pbs")
	v.SetDefault("scheduler.submit_timeout", time.Minute)
	v.SetDefault("logging.level", "info")
}

// Load reads the config file at path. Values can be overridden through
// environment variables prefixed with EC14_, e.g. EC14_DB_DB_STRING.
func Load(path string) (*ExperimentConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	if filepath.Ext(absPath) == "" {
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("EC14")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	var cfg ExperimentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", absPath, err)
	}
	cfg.Path = absPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings the controller and population seeding rely on.
func (c *ExperimentConfig) Validate() error {
	var problems []string

	if c.DB.DBString == "" {
		problems = append(problems, "db.db_string is required")
	}
	if strings.TrimSpace(c.Experiment.Name) == "" {
		problems = append(problems, "experiment.name is required")
	}
	if c.Experiment.RandomGranularity <= 0 {
		problems = append(problems, fmt.Sprintf("experiment.random_granularity must be positive, got %v", c.Experiment.RandomGranularity))
	}
	if c.Experiment.EndTime <= 0 {
		problems = append(problems, fmt.Sprintf("experiment.end_time must be positive, got %v", c.Experiment.EndTime))
	}
	if c.Workers.PauseTime <= 0 {
		problems = append(problems, fmt.Sprintf("workers.pause_time must be positive, got %d", c.Workers.PauseTime))
	}
	if c.Experiment.WallTime <= c.Workers.PauseTime {
		problems = append(problems, fmt.Sprintf("experiment.self_wall_time (%d) must exceed workers.pause_time (%d)",
			c.Experiment.WallTime, c.Workers.PauseTime))
	}
	if c.Arena.X <= 0 || c.Arena.Y <= 0 {
		problems = append(problems, fmt.Sprintf("arena dimensions must be positive, got %vx%v", c.Arena.X, c.Arena.Y))
	}
	if c.Population.Size < 0 {
		problems = append(problems, fmt.Sprintf("population.size must not be negative, got %d", c.Population.Size))
	}
	if c.Population.Random && c.Population.RandomEnd <= c.Population.RandomStart {
		problems = append(problems, fmt.Sprintf("population.random_end (%v) must exceed population.random_start (%v)",
			c.Population.RandomEnd, c.Population.RandomStart))
	}
	if len(c.Workers.HyperNEAT) == 0 || len(c.Workers.Simulation) == 0 || len(c.Workers.Postprocessing) == 0 {
		problems = append(problems, "workers.hyperneat, workers.simulation and workers.postprocessing need a command")
	}
	switch strings.ToLower(c.Scheduler.Kind) {
	case "pbs", "torque", "qsub", "slurm", "sbatch":
	default:
		problems = append(problems, fmt.Sprintf("scheduler.kind must be pbs (torque, qsub) or slurm (sbatch), got %q", c.Scheduler.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WallTime returns the wall-time budget as a duration.
func (c *ExperimentConfig) WallTime() time.Duration {
	return time.Duration(c.Experiment.WallTime) * time.Second
}

// PauseTime returns the poll interval as a duration.
func (c *ExperimentConfig) PauseTime() time.Duration {
	return time.Duration(c.Workers.PauseTime) * time.Second
}

// BasePath returns the experiment directory, path_prefix + name with a
// leading ~ expanded, always ending in a separator.
func (c *ExperimentConfig) BasePath() (string, error) {
	p := c.Experiment.PathPrefix + c.Experiment.Name
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %s: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Clean(p) + string(filepath.Separator), nil
}
