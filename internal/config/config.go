// Package config loads run configurations for sdsctl from YAML, JSON or
// TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"sds/internal/engine"
	"sds/internal/stats"
)

var ErrInvalidConfig = errors.New("invalid run configuration")

const (
	ProblemString   = "string"
	ProblemSimulate = "simulate"
	ProblemPeak     = "peak"
)

type RunConfig struct {
	Problem   ProblemConfig   `yaml:"problem" toml:"problem"`
	Search    SearchConfig    `yaml:"search" toml:"search"`
	Diffusion DiffusionConfig `yaml:"diffusion" toml:"diffusion"`
	Test      TestConfig      `yaml:"test" toml:"test"`
	Halting   HaltingConfig   `yaml:"halting" toml:"halting"`
	Output    OutputConfig    `yaml:"output" toml:"output"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
}

type ProblemConfig struct {
	Kind string `yaml:"kind" toml:"kind" validate:"required,oneof=string simulate peak"`

	// string
	Space string `yaml:"space" toml:"space" validate:"required_if=Kind string"`
	Model string `yaml:"model" toml:"model" validate:"required_if=Kind string"`

	// simulate
	Scores []float64 `yaml:"scores" toml:"scores" validate:"omitempty,dive,gte=0,lte=1"`

	// peak
	Lo     float64 `yaml:"lo" toml:"lo"`
	Hi     float64 `yaml:"hi" toml:"hi"`
	Center float64 `yaml:"center" toml:"center"`
	Width  float64 `yaml:"width" toml:"width" validate:"gte=0"`
	Sigma  float64 `yaml:"sigma" toml:"sigma" validate:"gte=0"`
}

type SearchConfig struct {
	Agents        int    `yaml:"agents" toml:"agents" validate:"gt=0"`
	Mode          string `yaml:"mode" toml:"mode" validate:"omitempty,oneof=sync synchronous async asynchronous parallel"`
	MaxIterations int    `yaml:"max_iterations" toml:"max_iterations" validate:"gte=0"`
	ReportEvery   int    `yaml:"report_every" toml:"report_every" validate:"gte=0"`
	// MaxClusterReport caps the clusters listed per report line.
	MaxClusterReport int           `yaml:"max_cluster_report" toml:"max_cluster_report" validate:"gte=0"`
	Seed             int64         `yaml:"seed" toml:"seed"`
	ParallelUnit     time.Duration `yaml:"parallel_unit" toml:"parallel_unit" validate:"gte=0"`
	ParallelTick     time.Duration `yaml:"parallel_tick" toml:"parallel_tick" validate:"gte=0"`
}

type DiffusionConfig struct {
	Kind       string  `yaml:"kind" toml:"kind" validate:"omitempty,oneof=passive active context-free context-sensitive confirmation independent running-mean decayed-confidence qs"`
	Polls      float64 `yaml:"polls" toml:"polls" validate:"gte=0"`
	Noisy      bool    `yaml:"noisy" toml:"noisy"`
	Quorum     float64 `yaml:"quorum" toml:"quorum" validate:"gte=0,lte=1"`
	Memory     int     `yaml:"memory" toml:"memory" validate:"gte=0"`
	MinSamples int     `yaml:"min_samples" toml:"min_samples" validate:"gte=0"`
	Decay      float64 `yaml:"decay" toml:"decay" validate:"gte=0,lte=1"`
}

type TestConfig struct {
	Kind      string `yaml:"kind" toml:"kind" validate:"omitempty,oneof=boolean multitest comparative scored"`
	Samples   int    `yaml:"samples" toml:"samples" validate:"gte=0"`
	Combine   string `yaml:"combine" toml:"combine" validate:"omitempty,oneof=all any majority"`
	Aggregate string `yaml:"aggregate" toml:"aggregate" validate:"omitempty,oneof=max min mean"`
}

type HaltingConfig struct {
	Kind      string        `yaml:"kind" toml:"kind" validate:"omitempty,oneof=never fixed activity largest-cluster unique stable-band threshold stable-deviation weak strong elite deadline all-terminating empty reducing"`
	Every     int           `yaml:"every" toml:"every" validate:"gte=0"`
	Count     int           `yaml:"count" toml:"count" validate:"gte=0"`
	Threshold float64       `yaml:"threshold" toml:"threshold" validate:"gte=0"`
	Region    float64       `yaml:"region" toml:"region" validate:"gte=0,lte=1"`
	Window    int           `yaml:"window" toml:"window" validate:"gte=0"`
	MinStable int           `yaml:"min_stable" toml:"min_stable" validate:"gte=0"`
	Target    float64       `yaml:"target" toml:"target" validate:"gte=0,lte=1"`
	Tolerance float64       `yaml:"tolerance" toml:"tolerance" validate:"gte=0,lte=1"`
	Duration  time.Duration `yaml:"duration" toml:"duration" validate:"gte=0"`
}

type OutputConfig struct {
	// Dir receives run artifacts; empty keeps the client default.
	Dir string `yaml:"dir" toml:"dir"`
	// Snapshot is a file path for the final cluster snapshot.
	Snapshot string `yaml:"snapshot" toml:"snapshot"`
	Top      int    `yaml:"top" toml:"top" validate:"gte=0"`
}

type StorageConfig struct {
	Kind string `yaml:"kind" toml:"kind" validate:"omitempty,oneof=memory sqlite"`
	Path string `yaml:"path" toml:"path" validate:"required_if=Kind sqlite"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

var validate = validator.New()

func Default() RunConfig {
	return RunConfig{
		Problem: ProblemConfig{
			Kind:  ProblemString,
			Space: "xxhellxelloxhexhelxoxxxhelloxxx",
			Model: "hello",
		},
		Search: SearchConfig{
			Agents:           1000,
			Mode:             "synchronous",
			MaxIterations:    300,
			ReportEvery:      10,
			MaxClusterReport: 5,
			Seed:             1,
		},
		Diffusion: DiffusionConfig{Kind: "passive"},
		Test:      TestConfig{Kind: "boolean"},
		Halting:   HaltingConfig{Kind: "never"},
		Output:    OutputConfig{Top: 10},
		Storage:   StorageConfig{Kind: "memory"},
		Server:    ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path over Default. The format follows the extension: .yaml,
// .yml and .json decode as YAML, .toml as TOML. Unknown keys are errors.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		err = decodeYAML(data, &cfg)
	case ".toml":
		err = decodeTOML(data, &cfg)
	default:
		return RunConfig{}, fmt.Errorf("%w: unsupported config extension %q", ErrInvalidConfig, ext)
	}
	if err != nil {
		return RunConfig{}, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, cfg *RunConfig) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks field ranges and the fields each problem kind needs.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = describe(fe)
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Problem.Kind {
	case ProblemSimulate:
		if len(c.Problem.Scores) < 2 {
			return fmt.Errorf("%w: simulate needs at least two scores", ErrInvalidConfig)
		}
	case ProblemPeak:
		if c.Problem.Hi <= c.Problem.Lo {
			return fmt.Errorf("%w: peak needs lo < hi, got %g and %g", ErrInvalidConfig, c.Problem.Lo, c.Problem.Hi)
		}
		if c.Problem.Width == 0 {
			return fmt.Errorf("%w: peak width must be > 0", ErrInvalidConfig)
		}
	}
	if c.Search.Mode == "parallel" && slices.Contains([]string{"active", "confirmation", "independent", "running-mean", "decayed-confidence", "qs"}, c.Diffusion.Kind) {
		return fmt.Errorf("%w: %s diffusion writes peers and cannot run in parallel mode", ErrInvalidConfig, c.Diffusion.Kind)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "RunConfig.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

// Spec maps the configuration onto the engine's declarative spec.
func (c RunConfig) Spec() engine.Spec {
	return engine.Spec{
		Agents:        c.Search.Agents,
		Mode:          c.Search.Mode,
		MaxIterations: c.Search.MaxIterations,
		ReportEvery:   c.Search.ReportEvery,
		Seed:          c.Search.Seed,
		Diffusion: engine.DiffusionSpec{
			Kind:       c.Diffusion.Kind,
			Polls:      c.Diffusion.Polls,
			Noisy:      c.Diffusion.Noisy,
			Quorum:     c.Diffusion.Quorum,
			Memory:     c.Diffusion.Memory,
			MinSamples: c.Diffusion.MinSamples,
			Decay:      c.Diffusion.Decay,
		},
		Test: engine.TestSpec{
			Kind:      c.Test.Kind,
			Samples:   c.Test.Samples,
			Combine:   c.Test.Combine,
			Aggregate: c.Test.Aggregate,
		},
		Halting: engine.HaltingSpec{
			Kind:      c.Halting.Kind,
			Every:     c.Halting.Every,
			Count:     c.Halting.Count,
			Threshold: c.Halting.Threshold,
			Region:    c.Halting.Region,
			Window:    c.Halting.Window,
			MinStable: c.Halting.MinStable,
			Target:    c.Halting.Target,
			Tolerance: c.Halting.Tolerance,
			Duration:  c.Halting.Duration,
		},
	}
}

// RunRecord describes the run for its artifacts.
func (c RunConfig) RunRecord(runID string) stats.RunConfig {
	return stats.RunConfig{
		RunID:         runID,
		Problem:       c.Problem.Kind,
		Agents:        c.Search.Agents,
		Mode:          c.Search.Mode,
		Diffusion:     c.Diffusion.Kind,
		Test:          c.Test.Kind,
		Halting:       c.Halting.Kind,
		HaltingEvery:  c.Halting.Every,
		MaxIterations: c.Search.MaxIterations,
		ReportEvery:   c.Search.ReportEvery,
		Seed:          c.Search.Seed,
		Params:        c.problemParams(),
	}
}

func (c RunConfig) problemParams() map[string]string {
	p := c.Problem
	switch p.Kind {
	case ProblemString:
		return map[string]string{"space": p.Space, "model": p.Model}
	case ProblemSimulate:
		scores := make([]string, len(p.Scores))
		for i, s := range p.Scores {
			scores[i] = strconv.FormatFloat(s, 'g', -1, 64)
		}
		return map[string]string{"scores": strings.Join(scores, ",")}
	case ProblemPeak:
		f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
		return map[string]string{"lo": f(p.Lo), "hi": f(p.Hi), "center": f(p.Center), "width": f(p.Width), "sigma": f(p.Sigma)}
	}
	return nil
}
