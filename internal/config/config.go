package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Seed   int64        `yaml:"seed"`
	Data   DataConfig   `yaml:"data"`
	Model  ModelConfig  `yaml:"model"`
	Train  TrainConfig  `yaml:"train"`
	RunLog RunLogConfig `yaml:"runlog"`
}

// DataConfig selects the log file and how it is windowed and batched.
type DataConfig struct {
	FilePath   string   `yaml:"file_path"`
	ObsHorizon int      `yaml:"obs_horizon"`
	ActHorizon int      `yaml:"act_horizon"`
	Gap        int      `yaml:"gap"`
	ObsStride  int      `yaml:"obs_stride"`
	ActStride  int      `yaml:"act_stride"`
	ObsKeys    []string `yaml:"obs_keys"`
	ActKeys    []string `yaml:"act_keys"`
	BatchSize  int      `yaml:"batch_size"`
	NumWorkers int      `yaml:"num_workers"`
	ValRatio   float64  `yaml:"val_ratio"`
}

// ModelConfig describes the policy network.
type ModelConfig struct {
	Backbone    string     `yaml:"backbone"`
	Pretrained  bool       `yaml:"pretrained"`
	Commands    int        `yaml:"commands"`
	Steps       int        `yaml:"steps"`
	Temperature float64    `yaml:"temperature"`
	NormPersist *bool      `yaml:"norm_persist"`
	Mean        []float64  `yaml:"mean"`
	Std         []float64  `yaml:"std"`
	XRange      [2]float64 `yaml:"x_range"`
	YRange      [2]float64 `yaml:"y_range"`
}

// TrainConfig drives the optimization loop.
type TrainConfig struct {
	LR            float64 `yaml:"lr"`
	Epochs        int     `yaml:"epochs"`
	EpochSave     bool    `yaml:"epoch_save"`
	Save          bool    `yaml:"save"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	LogEvery      int     `yaml:"log_every"`
}

// RunLogConfig gates and labels the experiment log.
type RunLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Project string `yaml:"project"`
	Name    string `yaml:"name"`
}

// Overrides captures CLI supplied values. Seed carries an explicit set flag
// because zero is a legitimate seed, unlike the other fields where the zero
// value means "not given".
type Overrides struct {
	DataPath      string
	Epochs        int
	BatchSize     int
	NumWorkers    int
	Seed          int64
	SeedSet       bool
	CheckpointDir string
	LogEvery      int
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataPath != "" {
		c.Data.FilePath = o.DataPath
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Data.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.Data.NumWorkers = o.NumWorkers
	}
	if o.SeedSet {
		c.Seed = o.Seed
	}
	if o.CheckpointDir != "" {
		c.Train.CheckpointDir = o.CheckpointDir
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
}

// NormPersist reports whether normalization statistics are persisted in
// checkpoints. Defaults to true when the config leaves it unset.
func (c *Config) NormPersist() bool {
	if c.Model.NormPersist == nil {
		return true
	}
	return *c.Model.NormPersist
}

// Validate verifies the config is runnable. It fails before any compute
// resource is allocated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Data.FilePath == "" {
		return errors.New("data.file_path must be set")
	}
	if c.Data.ObsHorizon <= 0 {
		return fmt.Errorf("data.obs_horizon must be > 0 (got %d)", c.Data.ObsHorizon)
	}
	if c.Data.ActHorizon <= 0 {
		return fmt.Errorf("data.act_horizon must be > 0 (got %d)", c.Data.ActHorizon)
	}
	if c.Data.Gap < 0 {
		return fmt.Errorf("data.gap must be >= 0 (got %d)", c.Data.Gap)
	}
	if c.Data.ObsStride <= 0 {
		c.Data.ObsStride = 1
	}
	if c.Data.ActStride <= 0 {
		c.Data.ActStride = 1
	}
	if len(c.Data.ObsKeys) == 0 {
		return errors.New("data.obs_keys must be non-empty")
	}
	// The loss compares predictions against a single action field; extra
	// keys would be read and then silently ignored.
	if len(c.Data.ActKeys) != 1 {
		return fmt.Errorf("data.act_keys must name exactly one field (got %v)", c.Data.ActKeys)
	}
	if !contains(c.Data.ObsKeys, "image") || !contains(c.Data.ObsKeys, "command") {
		return errors.New(`data.obs_keys must include "image" and "command"`)
	}
	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("data.batch_size must be > 0 (got %d)", c.Data.BatchSize)
	}
	if c.Data.NumWorkers <= 0 {
		return fmt.Errorf("data.num_workers must be > 0 (got %d)", c.Data.NumWorkers)
	}
	if c.Data.ValRatio < 0 || c.Data.ValRatio >= 1 {
		return fmt.Errorf("data.val_ratio must be in [0, 1) (got %g)", c.Data.ValRatio)
	}
	if c.Model.Backbone == "" {
		return errors.New("model.backbone must be set")
	}
	if c.Model.Commands <= 0 {
		return fmt.Errorf("model.commands must be > 0 (got %d)", c.Model.Commands)
	}
	if c.Model.Steps <= 0 {
		return fmt.Errorf("model.steps must be > 0 (got %d)", c.Model.Steps)
	}
	if c.Model.Steps != c.Data.ActHorizon {
		return fmt.Errorf("model.steps (%d) must equal data.act_horizon (%d)", c.Model.Steps, c.Data.ActHorizon)
	}
	if c.Train.LR <= 0 {
		return fmt.Errorf("train.lr must be > 0 (got %g)", c.Train.LR)
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("train.epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if (c.Train.EpochSave || c.Train.Save) && c.Train.CheckpointDir == "" {
		c.Train.CheckpointDir = "checkpoints"
	}
	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 50
	}
	if c.RunLog.Enabled && c.RunLog.Dir == "" {
		c.RunLog.Dir = "runs"
	}
	return nil
}

func contains(keys []string, want string) bool {
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}
