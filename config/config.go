// Package config reads the optional hjson parameter file of a run.
// Keys that are missing from the file keep their default values.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	hjson "github.com/hjson/hjson-go/v4"
	"github.com/op/go-logging"

	"github.com/Emberwhirl/mixedmodels-misc/simtrial"
	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

var log = logging.MustGetLogger("config")

// GeneratorConfig describes the synthetic trial compactly.  Treatments
// overrides NumTreatments when given.
type GeneratorConfig struct {
	XMax           float64       `json:"x_max"`
	XStep          float64       `json:"x_step"`
	NumTreatments  int           `json:"num_treatments"`
	Treatments     []string      `json:"treatments,omitempty"`
	Repeats        int           `json:"repeats"`
	InterceptStart float64       `json:"intercept_start"`
	InterceptStep  float64       `json:"intercept_step"`
	SlopePattern   []float64     `json:"slope_pattern"`
	Cov            [2][2]float64 `json:"cov"`
	Trials         int           `json:"trials"`
	Threshold      float64       `json:"threshold"`
}

// ExternalTable is an estimate table produced by another program.
type ExternalTable struct {
	Model string `json:"model"`
	Path  string `json:"path"`
}

// OutputConfig names the artifacts of a run.  Database, Checkpoint and
// Metrics are local paths below Dir, the rest are artifact keys.  An
// empty name disables that output.
type OutputConfig struct {
	Dir        string `json:"dir"`
	Data       string `json:"data"`
	Doses      string `json:"doses"`
	Estimates  string `json:"estimates"`
	Bias       string `json:"bias"`
	Runtimes   string `json:"runtimes"`
	Plot       string `json:"plot"`
	Database   string `json:"database"`
	Checkpoint string `json:"checkpoint"`
	Metrics    string `json:"metrics"`
}

// Config is the full run configuration.
type Config struct {
	Generator GeneratorConfig `json:"generator"`
	Fits      []trialfit.Spec `json:"fits"`
	External  []ExternalTable `json:"external"`
	Output    OutputConfig    `json:"output"`
	Parallel  int             `json:"parallel"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Generator: GeneratorConfig{
			XMax:           28,
			XStep:          2,
			NumTreatments:  24,
			Repeats:        3,
			InterceptStart: -3,
			InterceptStep:  0.15,
			SlopePattern:   simtrial.Seq(0.05, 0.30, 0.05),
			Cov:            simtrial.DefaultCov,
			Trials:         25,
			Threshold:      0.99,
		},
		Fits: trialfit.DefaultSpecs(),
		Output: OutputConfig{
			Dir:        "out",
			Data:       "data/sim.csv",
			Doses:      "data/critical_doses.csv",
			Estimates:  "estimates.csv",
			Bias:       "bias.csv",
			Runtimes:   "runtimes.csv",
			Plot:       "coefficients.png",
			Database:   "results.db",
			Checkpoint: "checkpoint.db",
			Metrics:    "cloglogsim.prom",
		},
		Parallel: 2,
	}
}

// Load reads an hjson file over the defaults.
func Load(path string) (*Config, error) {

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var param map[string]interface{}
	if err := hjson.Unmarshal(b, &param); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	// hjson has no struct tags of its own, so the map goes through JSON.
	js, err := json.Marshal(param)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(js, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	log.Infof("read configuration from %s: %d fits, %d external tables", path, len(cfg.Fits), len(cfg.External))
	return cfg, nil
}

// Validate checks the fit specifications and the generator settings.
func (c *Config) Validate() error {
	if _, err := c.Generator.Params(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, f := range c.Fits {
		if f.Name == "" {
			return fmt.Errorf("fit with engine %q has no name", f.Engine)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate fit name %q", f.Name)
		}
		seen[f.Name] = true
		if err := f.Validate(); err != nil {
			return err
		}
	}
	for _, e := range c.External {
		if e.Model == "" || e.Path == "" {
			return fmt.Errorf("external table needs a model and a path")
		}
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative")
	}
	return nil
}

// Params expands the generator settings into validated simtrial
// parameters.
func (g GeneratorConfig) Params() (simtrial.Params, error) {

	if g.XStep <= 0 {
		return simtrial.Params{}, fmt.Errorf("%w: x_step %v must be positive", simtrial.ErrInvalidParam, g.XStep)
	}

	trt := g.Treatments
	if len(trt) == 0 {
		if g.NumTreatments <= 0 || g.NumTreatments > 26 {
			return simtrial.Params{}, fmt.Errorf("%w: num_treatments %d outside 1..26",
				simtrial.ErrInvalidParam, g.NumTreatments)
		}
		trt = simtrial.Letters(g.NumTreatments)
	}

	icept := make([]float64, len(trt))
	for j := range icept {
		icept[j] = g.InterceptStart + float64(j)*g.InterceptStep
	}

	p := simtrial.Params{
		XGrid:      simtrial.Seq(0, g.XMax, g.XStep),
		Treatments: trt,
		Repeats:    g.Repeats,
		Intercepts: icept,
		Slopes:     simtrial.Tile(g.SlopePattern, len(trt)),
		Cov:        g.Cov,
		Trials:     g.Trials,
		Threshold:  g.Threshold,
	}
	if err := p.Validate(); err != nil {
		return simtrial.Params{}, err
	}
	return p, nil
}
