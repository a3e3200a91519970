package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/cellcrop/internal/utils"
)

// Config holds the application configuration
type Config struct {
	Input   InputConfig  `json:"input" yaml:"input"`
	Crop    CropConfig   `json:"crop" yaml:"crop"`
	Output  OutputConfig `json:"output" yaml:"output"`
	Workers int          `json:"workers" yaml:"workers"`
}

// InputConfig describes where annotation files and stacks are read from
type InputConfig struct {
	Dir          string            `json:"dir" yaml:"dir"`
	Tails        []string          `json:"tails" yaml:"tails"` // empty: only the annotated image
	StrictFrames bool              `json:"strict_frames" yaml:"strict_frames"`
	Schema       map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// CropConfig holds configuration for region cutting and fitting
type CropConfig struct {
	Edge           int     `json:"edge" yaml:"edge"` // 0 selects the edge from the batch statistics
	Percentile     float64 `json:"percentile" yaml:"percentile"`
	// TrueBackground cuts an edge sized window around each object and pads
	// with replicated border pixels instead of black
	TrueBackground bool    `json:"true_background" yaml:"true_background"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir       string `json:"dir" yaml:"dir"`
	Format    string `json:"format" yaml:"format"`
	Quality   int    `json:"quality" yaml:"quality"`
	Lossless  bool   `json:"lossless" yaml:"lossless"`
	Anonymize bool   `json:"anonymize" yaml:"anonymize"`
	Manifest  bool   `json:"manifest" yaml:"manifest"`
	ShowStats bool   `json:"show_stats" yaml:"show_stats"`
	Debug     bool   `json:"debug" yaml:"debug"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Crop: CropConfig{
			Percentile: 75,
		},
		Output: OutputConfig{
			Dir:     "./out",
			Format:  "png",
			Quality: 90,
		},
		Workers: 1,
	}
}

func isYAML(filename string) bool {
	switch utils.GetFileExtension(filename) {
	case "yaml", "yml":
		return true
	}
	return false
}

// LoadFromFile loads configuration from a JSON or YAML file. Keys missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Input.Dir == "" {
		return fmt.Errorf("input.dir is required")
	}

	if c.Crop.Edge < 0 {
		return fmt.Errorf("crop.edge must not be negative")
	}

	if c.Crop.Percentile <= 0 || c.Crop.Percentile > 100 {
		return fmt.Errorf("crop.percentile must be in (0,100]")
	}

	switch strings.ToLower(c.Output.Format) {
	case "png", "tif", "tiff", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format %q is not supported", c.Output.Format)
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./cellcrop.yaml"
	}
	return filepath.Join(home, ".config", "cellcrop", "config.yaml")
}

// LoadOrDefault loads filename, or the file at GetConfigPath when filename is
// empty and that file exists. It returns the path actually read, empty when
// the defaults were used.
func LoadOrDefault(filename string) (*Config, string, error) {
	if filename == "" {
		if p := GetConfigPath(); utils.FileExists(p) {
			filename = p
		} else {
			return Default(), "", nil
		}
	}
	cfg, err := LoadFromFile(filename)
	if err != nil {
		return nil, "", err
	}
	return cfg, filename, nil
}
