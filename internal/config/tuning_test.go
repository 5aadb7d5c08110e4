package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadDefaultsFile verifies that the canonical defaults file loads
// correctly and that every field is populated with a value in a valid range.
func TestLoadDefaultsFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if cfg.MinLOSFlag == nil {
		t.Fatal("MinLOSFlag must be set")
	}
	if cfg.UtilizationPctile == nil {
		t.Fatal("UtilizationPctile must be set")
	}
	if cfg.RequireMinBinLenM == nil {
		t.Fatal("RequireMinBinLenM must be set")
	}
	if cfg.TargetSeconds == nil {
		t.Fatal("TargetSeconds must be set")
	}
	if cfg.MaxSeconds == nil {
		t.Fatal("MaxSeconds must be set")
	}
	if cfg.MaxFeatures == nil {
		t.Fatal("MaxFeatures must be set")
	}
	if cfg.InitialBinSizeKm == nil {
		t.Fatal("InitialBinSizeKm must be set")
	}
	if cfg.InitialDtSeconds == nil {
		t.Fatal("InitialDtSeconds must be set")
	}
	if cfg.MinBinSizeKm == nil {
		t.Fatal("MinBinSizeKm must be set")
	}
	if cfg.MaxDtSeconds == nil {
		t.Fatal("MaxDtSeconds must be set")
	}
	if cfg.DefaultThresholdAreal == nil {
		t.Fatal("DefaultThresholdAreal must be set")
	}
	if cfg.BinDatasetEnabled == nil {
		t.Fatal("BinDatasetEnabled must be set")
	}
	if cfg.DeployMode == nil {
		t.Fatal("DeployMode must be set")
	}

	if *cfg.UtilizationPctile < 0 || *cfg.UtilizationPctile > 100 {
		t.Errorf("UtilizationPctile must be in [0, 100], got %f", *cfg.UtilizationPctile)
	}
	if *cfg.RequireMinBinLenM < 0 {
		t.Errorf("RequireMinBinLenM must be non-negative, got %f", *cfg.RequireMinBinLenM)
	}
	if *cfg.MaxFeatures <= 0 {
		t.Errorf("MaxFeatures must be positive, got %d", *cfg.MaxFeatures)
	}
	if *cfg.MaxSeconds < *cfg.TargetSeconds {
		t.Errorf("MaxSeconds (%f) must be >= TargetSeconds (%f)", *cfg.MaxSeconds, *cfg.TargetSeconds)
	}
	if *cfg.MaxDtSeconds < *cfg.InitialDtSeconds {
		t.Errorf("MaxDtSeconds (%f) must be >= InitialDtSeconds (%f)", *cfg.MaxDtSeconds, *cfg.InitialDtSeconds)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must pass Validate(): %v", err)
	}
}

// TestEmptyReportingConfig verifies that EmptyReportingConfig returns all
// nil fields and that getters fall back to their compiled-in defaults.
func TestEmptyReportingConfig(t *testing.T) {
	cfg := EmptyReportingConfig()

	if cfg.MinLOSFlag != nil {
		t.Error("Expected MinLOSFlag to be nil")
	}
	if cfg.UtilizationPctile != nil {
		t.Error("Expected UtilizationPctile to be nil")
	}
	if cfg.MaxFeatures != nil {
		t.Error("Expected MaxFeatures to be nil")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should pass Validate(): %v", err)
	}

	if got, want := cfg.GetMinLOSFlag(), "C"; got != want {
		t.Errorf("GetMinLOSFlag() = %q, want %q", got, want)
	}
	if got, want := cfg.GetUtilizationPctile(), 95.0; got != want {
		t.Errorf("GetUtilizationPctile() = %v, want %v", got, want)
	}
	if got, want := cfg.GetRequireMinBinLenM(), 10.0; got != want {
		t.Errorf("GetRequireMinBinLenM() = %v, want %v", got, want)
	}
	if got, want := cfg.GetTargetSeconds(), 120.0; got != want {
		t.Errorf("GetTargetSeconds() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMaxSeconds(), 180.0; got != want {
		t.Errorf("GetMaxSeconds() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMaxFeatures(), 10000; got != want {
		t.Errorf("GetMaxFeatures() = %v, want %v", got, want)
	}
	if got, want := cfg.GetInitialBinSizeKm(), 0.1; got != want {
		t.Errorf("GetInitialBinSizeKm() = %v, want %v", got, want)
	}
	if got, want := cfg.GetInitialDtSeconds(), 60.0; got != want {
		t.Errorf("GetInitialDtSeconds() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMinBinSizeKm(), 0.2; got != want {
		t.Errorf("GetMinBinSizeKm() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMaxDtSeconds(), 180.0; got != want {
		t.Errorf("GetMaxDtSeconds() = %v, want %v", got, want)
	}
	if got, want := cfg.GetDefaultThresholdAreal(), 0.72; got != want {
		t.Errorf("GetDefaultThresholdAreal() = %v, want %v", got, want)
	}
	if got, want := cfg.GetBinDatasetEnabled(), true; got != want {
		t.Errorf("GetBinDatasetEnabled() = %v, want %v", got, want)
	}
	if got, want := cfg.GetDeployMode(), false; got != want {
		t.Errorf("GetDeployMode() = %v, want %v", got, want)
	}
}

func TestLoadReportingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "min_los_flag": "D",
  "utilization_pctile": 90,
  "require_min_bin_len_m": 5,
  "target_seconds": 100,
  "max_seconds": 150,
  "max_features": 5000,
  "hotspots": ["start-corral", "finish-chute"]
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadReportingConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.MinLOSFlag == nil || *cfg.MinLOSFlag != "D" {
		t.Errorf("Expected MinLOSFlag 'D', got %v", cfg.MinLOSFlag)
	}
	if cfg.UtilizationPctile == nil || *cfg.UtilizationPctile != 90 {
		t.Errorf("Expected UtilizationPctile 90, got %v", cfg.UtilizationPctile)
	}
	if cfg.MaxFeatures == nil || *cfg.MaxFeatures != 5000 {
		t.Errorf("Expected MaxFeatures 5000, got %v", cfg.MaxFeatures)
	}
	if len(cfg.Hotspots) != 2 || cfg.Hotspots[0] != "start-corral" {
		t.Errorf("Expected hotspots [start-corral finish-chute], got %v", cfg.Hotspots)
	}

	// Unset fields still fall back to their getter defaults.
	if got, want := cfg.GetInitialBinSizeKm(), 0.1; got != want {
		t.Errorf("GetInitialBinSizeKm() = %v, want %v", got, want)
	}
}

func TestLoadReportingConfigMissing(t *testing.T) {
	_, err := LoadReportingConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadReportingConfigInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "min_los_flag": "D"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadReportingConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestLoadReportingConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadReportingConfig("/some/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadReportingConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	largeData := make([]byte, 2*1024*1024) // 2MB
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}

	_, err := LoadReportingConfig(configPath)
	if err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestValidate(t *testing.T) {
	ptrFloat64 := func(f float64) *float64 { return &f }
	ptrString := func(s string) *string { return &s }
	ptrInt := func(i int) *int { return &i }

	tests := []struct {
		name    string
		cfg     *ReportingConfig
		wantErr bool
	}{
		{
			name:    "valid config from defaults file",
			cfg:     MustLoadDefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty config is valid",
			cfg:     &ReportingConfig{},
			wantErr: false,
		},
		{
			name: "invalid min_los_flag",
			cfg: &ReportingConfig{
				MinLOSFlag: ptrString("Z"),
			},
			wantErr: true,
		},
		{
			name: "invalid utilization_pctile (too low)",
			cfg: &ReportingConfig{
				UtilizationPctile: ptrFloat64(-1),
			},
			wantErr: true,
		},
		{
			name: "invalid utilization_pctile (too high)",
			cfg: &ReportingConfig{
				UtilizationPctile: ptrFloat64(101),
			},
			wantErr: true,
		},
		{
			name: "negative require_min_bin_len_m",
			cfg: &ReportingConfig{
				RequireMinBinLenM: ptrFloat64(-5),
			},
			wantErr: true,
		},
		{
			name: "non-positive max_features",
			cfg: &ReportingConfig{
				MaxFeatures: ptrInt(0),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadReportingConfig("../../config/reporting.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.GetUtilizationPctile() < 0 || cfg.GetUtilizationPctile() > 100 {
		t.Errorf("UtilizationPctile out of range [0,100]: %f", cfg.GetUtilizationPctile())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must pass Validate(): %v", err)
	}
}
