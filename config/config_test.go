package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dieynaba77/datacube-core/output"
)

const taskYAML = `
storage:
  driver: NetCDF CF
  crs: EPSG:3577
  resolution:
    x: 25
    y: -25
  chunking:
    time: 1
    y: 200
    x: 200
  dimension_order: [time, y, x]
output_location: /g/data/out
global_attributes:
  institution: Example Institute
  platforms: [ls7, ls8]
var_attributes:
  count:
    units: "1"
date_range:
  start: "2019-01-01"
  end: "2019-12-31"
logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(WithConfigFile(writeConfig(t, taskYAML)))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "NetCDF CF" || cfg.Storage.Resolution.Y != -25 || cfg.Storage.Chunking["y"] != 200 {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if got := cfg.Storage.ChunkSizes(); len(got) != 3 || got[2] != 200 {
		t.Errorf("unexpected chunk sizes %v", got)
	}
	if cfg.OutputPath != "/g/data/out" || cfg.AppInfo != "datacube-core" {
		t.Errorf("unexpected paths %q %q", cfg.OutputPath, cfg.AppInfo)
	}
	if cfg.GlobalAttributes["institution"] != "Example Institute" {
		t.Errorf("unexpected global attributes %v", cfg.GlobalAttributes)
	}
	if cfg.VarAttributes["count"]["units"] != "1" {
		t.Errorf("unexpected var attributes %v", cfg.VarAttributes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}

	params, err := cfg.Params(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if params.Start.Format("2006-01-02") != "2019-01-01" || params.End.Month() != 12 || params.Logger == nil {
		t.Errorf("unexpected params %+v", params)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DATACUBE_STORAGE_DRIVER", "Zarr")
	t.Setenv("DATACUBE_LOGGING_LEVEL", "warn")
	t.Setenv("DATACUBE_OUTPUT_LOCATION", "/scratch")
	cfg, err := Load(WithConfigFile(writeConfig(t, taskYAML)))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "Zarr" || cfg.Logging.Level != "warn" || cfg.OutputPath != "/scratch" {
		t.Errorf("environment not applied: %q %q %q", cfg.Storage.Driver, cfg.Logging.Level, cfg.OutputPath)
	}
}

func TestLoadRegistry(t *testing.T) {
	reg := output.NewRegistry()
	if _, err := Load(WithConfigFile(writeConfig(t, taskYAML)), WithRegistry(reg)); !errors.Is(err, output.ErrNoSuchOutputDriver) {
		t.Errorf("expected no such output driver, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"missing crs", strings.Replace(taskYAML, "crs: EPSG:3577", "", 1), "storage"},
		{"bad date", strings.Replace(taskYAML, "2019-12-31", "31/12/2019", 1), "date_range.end"},
		{"reversed dates", strings.Replace(taskYAML, "2019-12-31", "2018-12-31", 1), "before start"},
		{"bad level", strings.Replace(taskYAML, "level: debug", "level: loud", 1), "logging.level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(WithConfigFile(writeConfig(t, tc.body)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errMsg) {
				t.Errorf("expected error containing %q, got %v", tc.errMsg, err)
			}
		})
	}
	if _, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "missing.yml"))); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := TaskConfig{}
	cfg.ApplyDefaults()
	if cfg.OutputPath != "." || cfg.Logging.Level != "info" || len(cfg.Storage.DimensionOrder) != 3 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
