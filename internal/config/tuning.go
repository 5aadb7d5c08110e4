// Package config holds the run-wide reporting/flagging defaults,
// loaded once at process start and threaded through the pipeline as an
// immutable value rather than read from package-level globals.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical reporting defaults file.
// This is the single source of truth for all default flagging/coarsening
// values.
const DefaultConfigPath = "config/reporting.defaults.json"

// ReportingConfig is the reporting config JSON document: flagging
// defaults plus the coarsening budget. It is read from JSON only; YAML
// files are not accepted. Fields are pointers so a
// partial file (or one loaded over compiled-in defaults) only overrides
// what it sets.
type ReportingConfig struct {
	// Flagging defaults (C6)
	MinLOSFlag        *string  `json:"min_los_flag,omitempty"`
	UtilizationPctile *float64 `json:"utilization_pctile,omitempty"`
	RequireMinBinLenM *float64 `json:"require_min_bin_len_m,omitempty"`

	// Coarsening budget (C7)
	TargetSeconds    *float64 `json:"target_seconds,omitempty"`
	MaxSeconds       *float64 `json:"max_seconds,omitempty"`
	MaxFeatures      *int     `json:"max_features,omitempty"`
	InitialBinSizeKm *float64 `json:"initial_bin_size_km,omitempty"`
	InitialDtSeconds *float64 `json:"initial_dt_seconds,omitempty"`
	MinBinSizeKm     *float64 `json:"min_bin_size_km,omitempty"`
	MaxDtSeconds     *float64 `json:"max_dt_seconds,omitempty"`
	Hotspots         []string `json:"hotspots,omitempty"`

	// Rollup (C9)
	DefaultThresholdAreal *float64 `json:"default_threshold_areal,omitempty"`

	// Environment-influenced behavior
	BinDatasetEnabled *bool `json:"bin_dataset_enabled,omitempty"`
	DeployMode        *bool `json:"deploy_mode,omitempty"`
}

// EmptyReportingConfig returns a ReportingConfig with all fields nil. Use
// LoadReportingConfig to populate it from a file.
func EmptyReportingConfig() *ReportingConfig {
	return &ReportingConfig{}
}

// LoadReportingConfig loads a ReportingConfig from a JSON file. The file
// is validated to have a .json extension and be under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadReportingConfig(path string) (*ReportingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReportingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical reporting defaults from
// DefaultConfigPath, searching common parent directories. Panics if the
// file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *ReportingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadReportingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var validLOS = map[string]bool{"A": true, "B": true, "C": true, "D": true, "E": true, "F": true}

// Validate checks that set fields hold structurally valid values.
func (c *ReportingConfig) Validate() error {
	if c.MinLOSFlag != nil && !validLOS[*c.MinLOSFlag] {
		return fmt.Errorf("min_los_flag must be one of A-F, got %q", *c.MinLOSFlag)
	}
	if c.UtilizationPctile != nil && (*c.UtilizationPctile < 0 || *c.UtilizationPctile > 100) {
		return fmt.Errorf("utilization_pctile must be in [0, 100], got %f", *c.UtilizationPctile)
	}
	if c.RequireMinBinLenM != nil && *c.RequireMinBinLenM < 0 {
		return fmt.Errorf("require_min_bin_len_m must be non-negative, got %f", *c.RequireMinBinLenM)
	}
	if c.MaxFeatures != nil && *c.MaxFeatures <= 0 {
		return fmt.Errorf("max_features must be positive, got %d", *c.MaxFeatures)
	}
	return nil
}

// GetMinLOSFlag returns min_los_flag or the default "C".
func (c *ReportingConfig) GetMinLOSFlag() string {
	if c.MinLOSFlag == nil {
		return "C"
	}
	return *c.MinLOSFlag
}

// GetUtilizationPctile returns utilization_pctile or the default 95.
func (c *ReportingConfig) GetUtilizationPctile() float64 {
	if c.UtilizationPctile == nil {
		return 95
	}
	return *c.UtilizationPctile
}

// GetRequireMinBinLenM returns require_min_bin_len_m or the default 10m.
func (c *ReportingConfig) GetRequireMinBinLenM() float64 {
	if c.RequireMinBinLenM == nil {
		return 10
	}
	return *c.RequireMinBinLenM
}

// GetTargetSeconds returns the soft coarsening budget or the default 120s.
func (c *ReportingConfig) GetTargetSeconds() float64 {
	if c.TargetSeconds == nil {
		return 120
	}
	return *c.TargetSeconds
}

// GetMaxSeconds returns the hard coarsening ceiling or the default 180s.
func (c *ReportingConfig) GetMaxSeconds() float64 {
	if c.MaxSeconds == nil {
		return 180
	}
	return *c.MaxSeconds
}

// GetMaxFeatures returns the feature cap or the default 10000.
func (c *ReportingConfig) GetMaxFeatures() int {
	if c.MaxFeatures == nil {
		return 10000
	}
	return *c.MaxFeatures
}

// GetInitialBinSizeKm returns the starting bin width or a 0.1km default.
func (c *ReportingConfig) GetInitialBinSizeKm() float64 {
	if c.InitialBinSizeKm == nil {
		return 0.1
	}
	return *c.InitialBinSizeKm
}

// GetInitialDtSeconds returns the starting window width or a 60s default.
func (c *ReportingConfig) GetInitialDtSeconds() float64 {
	if c.InitialDtSeconds == nil {
		return 60
	}
	return *c.InitialDtSeconds
}

// GetMinBinSizeKm returns the coarsened bin floor or the default 0.2km
// (deploy-mode also nudges toward this value).
func (c *ReportingConfig) GetMinBinSizeKm() float64 {
	if c.MinBinSizeKm == nil {
		return 0.2
	}
	return *c.MinBinSizeKm
}

// GetMaxDtSeconds returns the coarsened window ceiling or the default 180s.
func (c *ReportingConfig) GetMaxDtSeconds() float64 {
	if c.MaxDtSeconds == nil {
		return 180
	}
	return *c.MaxDtSeconds
}

// GetDefaultThresholdAreal returns the global TOT density cutoff fallback
// used when a schema doesn't define its own threshold_areal.
func (c *ReportingConfig) GetDefaultThresholdAreal() float64 {
	if c.DefaultThresholdAreal == nil {
		return 0.72 // LOS D lower bound in the worked example rulebook
	}
	return *c.DefaultThresholdAreal
}

// GetBinDatasetEnabled returns the bin_dataset_enabled setting (default
// on). Neither the CLI nor the pipeline reads it: the bin dataset is
// generated and written on every run.
func (c *ReportingConfig) GetBinDatasetEnabled() bool {
	if c.BinDatasetEnabled == nil {
		return true
	}
	return *c.BinDatasetEnabled
}

// GetDeployMode reports whether deploy-mode is active; when true, callers
// should clamp InitialBinSizeKm up toward GetMinBinSizeKm for constrained
// environments.
func (c *ReportingConfig) GetDeployMode() bool {
	if c.DeployMode == nil {
		return false
	}
	return *c.DeployMode
}
