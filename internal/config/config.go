// Package config loads the run configuration of a fuzzing campaign.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Modes.
const (
	ModeDriver      = "driver"
	ModeCombination = "combination"
)

// Handler types.
const (
	HandlerFile = "file"
	HandlerHTTP = "http"
)

// APIKeyEnv overrides handler.api_key_file when set.
const APIKeyEnv = "PROMPTFUZZ_API_KEY"

// Duration is a time.Duration that decodes from "180s"-style strings in both
// YAML and JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Handler selects and configures the program generator.
type Handler struct {
	Type         string   `json:"type" yaml:"type"`
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyFile   string   `json:"api_key_file,omitempty" yaml:"api_key_file,omitempty"`
	NSample      int      `json:"n_sample" yaml:"n_sample"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	Template     string   `json:"template,omitempty" yaml:"template,omitempty"`
}

// Fuzz tunes the round loop and the power schedule.
type Fuzz struct {
	RoundSuccess         int     `json:"round_success" yaml:"round_success"`
	ConvergeRounds       int     `json:"converge_rounds" yaml:"converge_rounds"`
	DisablePowerSchedule bool    `json:"disable_power_schedule" yaml:"disable_power_schedule"`
	Exponent             float64 `json:"exponent" yaml:"exponent"`
	CombLenMin           int     `json:"comb_len_min" yaml:"comb_len_min"`
	CombLenMax           int     `json:"comb_len_max" yaml:"comb_len_max"`
	DefaultCombLen       int     `json:"default_comb_len" yaml:"default_comb_len"`
	MutateLines          int     `json:"mutate_lines" yaml:"mutate_lines"`
	Recheck              bool    `json:"recheck" yaml:"recheck"`
	PrunePrompts         bool    `json:"prune_prompts" yaml:"prune_prompts"`
	MaxRoundAttempts     int     `json:"max_round_attempts" yaml:"max_round_attempts"`
	MaxRounds            int     `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty"`
	Seed                 uint64  `json:"seed" yaml:"seed"`
}

// Fusion tunes the fusion batcher.
type Fusion struct {
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	Workers   int    `json:"workers" yaml:"workers"`
	Entry     string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// Compiler describes how candidates and fused batches are built.
type Compiler struct {
	CXX                 string   `json:"cxx" yaml:"cxx"`
	ProfData            string   `json:"profdata,omitempty" yaml:"profdata,omitempty"`
	Cov                 string   `json:"cov,omitempty" yaml:"cov,omitempty"`
	IncludeDirs         []string `json:"include_dirs,omitempty" yaml:"include_dirs,omitempty"`
	LinkArgs            []string `json:"link_args,omitempty" yaml:"link_args,omitempty"`
	ExtraFlags          []string `json:"extra_flags,omitempty" yaml:"extra_flags,omitempty"`
	ExecutionTimeout    Duration `json:"execution_timeout" yaml:"execution_timeout"`
	SanitizationTimeout Duration `json:"sanitization_timeout" yaml:"sanitization_timeout"`
}

// Lib is the per-library metadata.
type Lib struct {
	Ban         []string `json:"ban,omitempty" yaml:"ban,omitempty"`
	InitFile    string   `json:"init_file,omitempty" yaml:"init_file,omitempty"`
	Desc        string   `json:"desc,omitempty" yaml:"desc,omitempty"`
	Spec        string   `json:"spec,omitempty" yaml:"spec,omitempty"`
	ExtraCFlags []string `json:"extra_c_flags,omitempty" yaml:"extra_c_flags,omitempty"`
	ASanOption  string   `json:"asan_option,omitempty" yaml:"asan_option,omitempty"`
	Headers     []string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Gadgets     string   `json:"gadgets,omitempty" yaml:"gadgets,omitempty"`
}

// Minimize configures the external minimizer.
type Minimize struct {
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
}

// Config is the full run configuration.
type Config struct {
	Library     string   `json:"library" yaml:"library"`
	Mode        string   `json:"mode" yaml:"mode"`
	OutputDir   string   `json:"output_dir" yaml:"output_dir"`
	DataDir     string   `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	MetricsAddr string   `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	Handler     Handler  `json:"handler" yaml:"handler"`
	Fuzz        Fuzz     `json:"fuzz" yaml:"fuzz"`
	Fusion      Fusion   `json:"fusion" yaml:"fusion"`
	Compiler    Compiler `json:"compiler" yaml:"compiler"`
	Lib         Lib      `json:"lib" yaml:"lib"`
	Minimize    Minimize `json:"minimize" yaml:"minimize"`

	// APIKey is resolved from APIKeyEnv or Handler.APIKeyFile; never serialized.
	APIKey string `json:"-" yaml:"-"`
}

// Default returns a configuration with every default filled.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDriver
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	h := &c.Handler
	if h.Type == "" {
		h.Type = HandlerFile
	}
	if h.NSample == 0 {
		h.NSample = 10
	}
	if h.Temperature == 0 {
		h.Temperature = 0.9
	}
	if h.Timeout == 0 {
		h.Timeout = Duration(10 * time.Minute)
	}
	if h.PollInterval == 0 {
		h.PollInterval = Duration(500 * time.Millisecond)
	}
	f := &c.Fuzz
	if f.RoundSuccess == 0 {
		f.RoundSuccess = 1
	}
	if f.ConvergeRounds == 0 {
		f.ConvergeRounds = 10
	}
	if f.Exponent == 0 {
		f.Exponent = 1
	}
	if f.CombLenMin == 0 {
		f.CombLenMin = 3
	}
	if f.CombLenMax == 0 {
		f.CombLenMax = 7
	}
	if f.DefaultCombLen == 0 {
		f.DefaultCombLen = 5
	}
	if f.MutateLines == 0 {
		f.MutateLines = 3
	}
	if f.MaxRoundAttempts == 0 {
		f.MaxRoundAttempts = 20
	}
	if c.Fusion.BatchSize == 0 {
		c.Fusion.BatchSize = 50
	}
	if c.Fusion.Workers <= 0 {
		c.Fusion.Workers = runtime.NumCPU()
	}
	if c.Compiler.CXX == "" {
		c.Compiler.CXX = "clang++"
	}
	if c.Compiler.ProfData == "" {
		c.Compiler.ProfData = "llvm-profdata"
	}
	if c.Compiler.Cov == "" {
		c.Compiler.Cov = "llvm-cov"
	}
	if c.Compiler.ExecutionTimeout == 0 {
		c.Compiler.ExecutionTimeout = Duration(180 * time.Second)
	}
	if c.Compiler.SanitizationTimeout == 0 {
		c.Compiler.SanitizationTimeout = Duration(1200 * time.Second)
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Library == "" {
		errs = append(errs, errors.New("library is required"))
	}
	if c.Mode != ModeDriver && c.Mode != ModeCombination {
		errs = append(errs, fmt.Errorf("mode %q: want %s or %s", c.Mode, ModeDriver, ModeCombination))
	}
	switch c.Handler.Type {
	case HandlerFile:
	case HandlerHTTP:
		if c.Handler.BaseURL == "" {
			errs = append(errs, errors.New("handler.base_url is required for http handler"))
		}
	default:
		errs = append(errs, fmt.Errorf("handler.type %q: want %s or %s", c.Handler.Type, HandlerFile, HandlerHTTP))
	}
	if c.Handler.NSample < 1 {
		errs = append(errs, fmt.Errorf("handler.n_sample must be positive, got %d", c.Handler.NSample))
	}
	f := c.Fuzz
	if f.RoundSuccess < 1 {
		errs = append(errs, fmt.Errorf("fuzz.round_success must be positive, got %d", f.RoundSuccess))
	}
	if f.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("fuzz.max_rounds must not be negative, got %d", f.MaxRounds))
	}
	if f.ConvergeRounds < 1 {
		errs = append(errs, fmt.Errorf("fuzz.converge_rounds must be positive, got %d", f.ConvergeRounds))
	}
	if f.Exponent < 0 {
		errs = append(errs, fmt.Errorf("fuzz.exponent must not be negative, got %g", f.Exponent))
	}
	if f.CombLenMin < 1 || f.CombLenMax < f.CombLenMin {
		errs = append(errs, fmt.Errorf("fuzz.comb_len bounds [%d, %d] invalid", f.CombLenMin, f.CombLenMax))
	}
	if c.Fusion.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("fusion.batch_size must be positive, got %d", c.Fusion.BatchSize))
	}
	return errors.Join(errs...)
}

// Entry is the driver function name fused batches rename.
func (c *Config) Entry() string {
	if c.Fusion.Entry != "" {
		return c.Fusion.Entry
	}
	return "test_" + c.Library + "_api_sequence"
}

// LoadFromPath reads a config file (YAML or JSON), fills defaults, resolves
// the API key, and validates. Relative paths in the file are resolved
// against the file's directory.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Load(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	c.resolvePaths(filepath.Dir(path))
	if err := c.resolveAPIKey(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Load parses a config from bytes and fills defaults. ext is the file
// extension used as a format hint; empty means detect from content.
func Load(data []byte, ext string) (*Config, error) {
	ext = strings.ToLower(ext)
	if ext == ".yml" {
		ext = ".yaml"
	}
	if ext == "" {
		if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
			ext = ".json"
		} else {
			ext = ".yaml"
		}
	}
	var c Config
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.OutputDir)
	abs(&c.DataDir)
	abs(&c.Handler.APIKeyFile)
	abs(&c.Handler.Template)
	abs(&c.Lib.InitFile)
	abs(&c.Lib.Gadgets)
}

func (c *Config) resolveAPIKey() error {
	if v := os.Getenv(APIKeyEnv); v != "" {
		c.APIKey = v
		return nil
	}
	if c.Handler.APIKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Handler.APIKeyFile)
	if err != nil {
		return fmt.Errorf("read api key file: %w", err)
	}
	c.APIKey = strings.TrimSpace(string(data))
	return nil
}
