// Package config provides configuration loading and management for nifti-to-seg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Empty segment policies
const (
	// EmptySegmentRetain keeps a segment with no voxels, with no frames
	EmptySegmentRetain = "retain"
	// EmptySegmentDrop omits a segment with no voxels
	EmptySegmentDrop = "drop"
	// EmptySegmentFail aborts the conversion on a segment with no voxels
	EmptySegmentFail = "fail"
)

// Segmentation types
const (
	SegmentationBinary     = "BINARY"
	SegmentationFractional = "FRACTIONAL"
)

// Code is a coded concept as used in dcmqi meta information
type Code struct {
	CodeValue              string `yaml:"codeValue" json:"CodeValue"`
	CodingSchemeDesignator string `yaml:"codingSchemeDesignator" json:"CodingSchemeDesignator"`
	CodeMeaning            string `yaml:"codeMeaning" json:"CodeMeaning"`
}

// Metadata holds the series-level attributes written into the segmentation
type Metadata struct {
	ContentCreatorName                  string `yaml:"contentCreatorName"`
	ClinicalTrialSeriesID               string `yaml:"clinicalTrialSeriesID"`
	ClinicalTrialTimePointID            string `yaml:"clinicalTrialTimePointID"`
	ClinicalTrialCoordinatingCenterName string `yaml:"clinicalTrialCoordinatingCenterName"`
	SeriesDescription                   string `yaml:"seriesDescription"`
	SeriesNumber                        string `yaml:"seriesNumber"`
	InstanceNumber                      string `yaml:"instanceNumber"`
	ContentLabel                        string `yaml:"contentLabel"`
	ContentDescription                  string `yaml:"contentDescription"`
	BodyPartExamined                    string `yaml:"bodyPartExamined"`

	// Segment-level defaults
	SegmentAlgorithmType string `yaml:"segmentAlgorithmType"`
	SegmentAlgorithmName string `yaml:"segmentAlgorithmName"`
	Category             Code   `yaml:"category"`
	Type                 Code   `yaml:"type"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Conversion switches
	Conversion struct {
		// MatchOrientation reorients the labeled volume to the reference series
		MatchOrientation bool `yaml:"matchOrientation"`

		// MatchSize resamples the labeled volume onto the reference grid
		MatchSize bool `yaml:"matchSize"`

		// SkipEmpty leaves slices without any voxel of a segment out of the output
		SkipEmpty bool `yaml:"skipEmpty"`

		// InplaneCropping crops each segment to its in-plane bounding box
		InplaneCropping bool `yaml:"inplaneCropping"`

		// SkipMissingSegment drops labels without a name instead of failing
		SkipMissingSegment bool `yaml:"skipMissingSegment"`

		// EmptySegmentPolicy is one of retain, drop or fail
		EmptySegmentPolicy string `yaml:"emptySegmentPolicy"`

		// SegmentationType is BINARY or FRACTIONAL
		SegmentationType string `yaml:"segmentationType"`
	} `yaml:"conversion"`

	// Tolerances used when deciding whether two geometries already match
	Tolerance struct {
		// Spacing is the allowed absolute spacing difference per axis in mm
		Spacing float64 `yaml:"spacing"`

		// Direction is the allowed absolute difference per direction cosine
		Direction float64 `yaml:"direction"`

		// Origin is the allowed origin difference per axis, in voxels
		Origin float64 `yaml:"origin"`
	} `yaml:"tolerance"`

	// Processing parameters
	Processing struct {
		// NumWorkers is how many segments are built concurrently
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Metadata written into the output
	Metadata Metadata `yaml:"metadata"`

	// Output parameters
	Output struct {
		// PreviewDir, when set, receives PNG overlays of every slice
		PreviewDir string `yaml:"previewDir"`

		// PreviewScale is the integer upscaling factor of preview images
		PreviewScale int `yaml:"previewScale"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Conversion.EmptySegmentPolicy = EmptySegmentRetain
	cfg.Conversion.SegmentationType = SegmentationBinary

	cfg.Tolerance.Spacing = 1e-3
	cfg.Tolerance.Direction = 1e-4
	cfg.Tolerance.Origin = 0.01

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Metadata = Metadata{
		ContentCreatorName:                  "NIfTI to SEG",
		ClinicalTrialSeriesID:               "Session1",
		ClinicalTrialTimePointID:            "1",
		ClinicalTrialCoordinatingCenterName: "dcmqi",
		SeriesDescription:                   "Segmentation",
		SeriesNumber:                        "300",
		InstanceNumber:                      "1",
		ContentLabel:                        "SEGMENTATION",
		ContentDescription:                  "Image segmentation",
		BodyPartExamined:                    "",
		SegmentAlgorithmType:                "AUTOMATIC",
		SegmentAlgorithmName:                "Automatic",
		// SNOMED CT "Tissue"
		Category: Code{CodeValue: "85756007", CodingSchemeDesignator: "SCT", CodeMeaning: "Tissue"},
		// SNOMED CT "Organ"
		Type: Code{CodeValue: "113343008", CodingSchemeDesignator: "SCT", CodeMeaning: "Organ"},
	}

	cfg.Output.PreviewScale = 4

	return cfg
}

// Validate checks enumerated values and numeric ranges
func (c *Config) Validate() error {
	switch c.Conversion.EmptySegmentPolicy {
	case EmptySegmentRetain, EmptySegmentDrop, EmptySegmentFail:
	default:
		return fmt.Errorf("unknown empty segment policy %q (must be %s, %s or %s)",
			c.Conversion.EmptySegmentPolicy, EmptySegmentRetain, EmptySegmentDrop, EmptySegmentFail)
	}
	switch c.Conversion.SegmentationType {
	case SegmentationBinary, SegmentationFractional:
	default:
		return fmt.Errorf("unknown segmentation type %q (must be %s or %s)",
			c.Conversion.SegmentationType, SegmentationBinary, SegmentationFractional)
	}
	if c.Tolerance.Spacing < 0 || c.Tolerance.Direction < 0 || c.Tolerance.Origin < 0 {
		return fmt.Errorf("tolerances must be non-negative")
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Output.PreviewScale < 1 {
		return fmt.Errorf("previewScale must be at least 1, got %d", c.Output.PreviewScale)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML over the defaults so partial files are safe
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
