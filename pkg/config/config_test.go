package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
global:
  log_level: info
  results_dir: ./original-results
calculation:
  mode: event_based
  investigation_time: 50
  ses_per_logic_tree_path: 2
  concurrent_tasks: 4
  time_per_task: 10s
  hazard_curves_from_gmfs: true
  imts:
    - name: PGA
      levels: [0.01, 0.1, 0.5]
      minimum_intensity: 0.01
    - name: SA(1.0)
      levels: [0.02, 0.2, 0.6]
  maximum_distance:
    - trt: default
      value: 200
  minimum_magnitude:
    - trt: Active Shallow Crust
      value: 5
logic_tree:
  trts: [Active Shallow Crust, Stable Continental]
  num_source_models: 1
  realizations:
    - weight: 0.6
      gsims:
        - trt: Active Shallow Crust
          gsim: simple
    - weight: 0.4
      gsims:
        - trt: Active Shallow Crust
          gsim: simple
inputs:
  ruptures: ruptures.csv
  sites: sites.csv
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, baseConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original-results", cfg.Global.ResultsDir)
				assert.Equal(t, 4, cfg.Calculation.ConcurrentTasks)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SHAKEOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "int override - concurrent_tasks",
			envVars: map[string]string{
				"SHAKEOOR_CALCULATION_CONCURRENT_TASKS": "16",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 16, cfg.Calculation.ConcurrentTasks)
			},
		},
		{
			name: "float override - investigation_time",
			envVars: map[string]string{
				"SHAKEOOR_CALCULATION_INVESTIGATION_TIME": "10000",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.InDelta(t, 10000.0, cfg.Calculation.InvestigationTime, 1e-9)
			},
		},
		{
			name: "boolean override - hazard_curves_from_gmfs",
			envVars: map[string]string{
				"SHAKEOOR_CALCULATION_HAZARD_CURVES_FROM_GMFS": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Calculation.HazardCurvesFromGMFs)
			},
		},
		{
			name: "default key override - master_seed",
			envVars: map[string]string{
				"SHAKEOOR_GLOBAL_MASTER_SEED": "1234",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint64(1234), cfg.Global.MasterSeed)
			},
		},
		{
			name: "nested default override - database.sqlite.path",
			envVars: map[string]string{
				"SHAKEOOR_DATABASE_SQLITE_PATH": "/tmp/calcs.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/calcs.db", cfg.Database.SQLite.Path)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
calculation:
  mode: scenario
  imts:
    - name: PGA
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultResultsDir, cfg.Global.ResultsDir)
	assert.Equal(t, uint64(DefaultMasterSeed), cfg.Global.MasterSeed)
	assert.InDelta(t, DefaultSoftMemLimit, cfg.Global.SoftMemLimit, 1e-9)
	assert.InDelta(t, DefaultHardMemLimit, cfg.Global.HardMemLimit, 1e-9)
	assert.Equal(t, DefaultConcurrentTasks, cfg.Calculation.ConcurrentTasks)
	assert.Equal(t, DefaultSESPerLogicTreePath, cfg.Calculation.SESPerLogicTreePath)
	assert.Equal(t, DefaultGMPE, cfg.GMPE.Name)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, 1, cfg.Calculation.NumberOfGMFs)
	require.NotNil(t, cfg.Calculation.GroundMotionFields)
	assert.True(t, *cfg.Calculation.GroundMotionFields)
	require.Len(t, cfg.LogicTree.Realizations, 1)
	assert.InDelta(t, 1.0, cfg.LogicTree.Realizations[0].Weight, 1e-9)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, baseConfig)
	override := writeConfig(t, `
global:
  log_level: warn
calculation:
  concurrent_tasks: 32
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, 32, cfg.Calculation.ConcurrentTasks)
	assert.InDelta(t, 50.0, cfg.Calculation.InvestigationTime, 1e-9)
	assert.Len(t, cfg.Calculation.IMTs, 2)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "global: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_NoFiles(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid base config",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown mode",
			mutate:  func(cfg *Config) { cfg.Calculation.Mode = "classical" },
			wantErr: "unknown mode",
		},
		{
			name:    "no imts",
			mutate:  func(cfg *Config) { cfg.Calculation.IMTs = nil },
			wantErr: "calculation.imts",
		},
		{
			name: "duplicate imt",
			mutate: func(cfg *Config) {
				cfg.Calculation.IMTs[1].Name = "PGA"
			},
			wantErr: "duplicate imt",
		},
		{
			name: "levels not increasing",
			mutate: func(cfg *Config) {
				cfg.Calculation.IMTs[0].Levels = []float64{0.1, 0.1, 0.5}
			},
			wantErr: "strictly increasing",
		},
		{
			name: "level count mismatch",
			mutate: func(cfg *Config) {
				cfg.Calculation.IMTs[1].Levels = []float64{0.1}
			},
			wantErr: "expected 3 levels",
		},
		{
			name:    "zero investigation time",
			mutate:  func(cfg *Config) { cfg.Calculation.InvestigationTime = 0 },
			wantErr: "investigation_time",
		},
		{
			name:    "bad time_per_task",
			mutate:  func(cfg *Config) { cfg.Calculation.TimePerTask = "soon" },
			wantErr: "time_per_task",
		},
		{
			name:    "bad gmf_max_size",
			mutate:  func(cfg *Config) { cfg.Calculation.GMFMaxSize = "lots" },
			wantErr: "gmf_max_size",
		},
		{
			name:    "poe out of range",
			mutate:  func(cfg *Config) { cfg.Calculation.PoEs = []float64{0.1, 1} },
			wantErr: "calculation.poes",
		},
		{
			name: "weights do not sum to one",
			mutate: func(cfg *Config) {
				cfg.LogicTree.Realizations[0].Weight = 0.9
			},
			wantErr: "weights sum to",
		},
		{
			name:    "risk mode without risk section",
			mutate:  func(cfg *Config) { cfg.Calculation.Mode = ModeEventBasedRisk },
			wantErr: "risk section is required",
		},
		{
			name: "vulnerability shape mismatch",
			mutate: func(cfg *Config) {
				cfg.Calculation.Mode = ModeScenarioRisk
				cfg.Inputs.Assets = "assets.csv"
				cfg.Risk = &RiskConfig{
					LossTypes: []string{"structural"},
					Vulnerability: []VulnerabilityConfig{{
						Taxonomy: "RC", LossType: "structural", IMT: "PGA",
						IMLs: []float64{0.1, 0.2}, MeanLRs: []float64{0.1},
					}},
				}
			},
			wantErr: "risk.vulnerability[0]",
		},
		{
			name:    "missing ruptures input",
			mutate:  func(cfg *Config) { cfg.Inputs.Ruptures = "" },
			wantErr: "inputs.ruptures",
		},
		{
			name:    "soft above hard memory limit",
			mutate:  func(cfg *Config) { cfg.Global.SoftMemLimit = 99.5 },
			wantErr: "soft_mem_limit",
		},
		{
			name:    "unsupported database driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, baseConfig))
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCalculationHelpers(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	calc := &cfg.Calculation

	assert.Equal(t, []string{"PGA", "SA(1.0)"}, calc.IMTNames())
	assert.Equal(t, []float64{0.01, 0}, calc.MinIML())
	assert.False(t, calc.IsScenario())
	assert.False(t, calc.IsRisk())

	tpt, err := calc.GetTimePerTask()
	require.NoError(t, err)
	assert.Equal(t, "10s", tpt.String())

	size, err := calc.GetGMFMaxSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), size)

	// risk_investigation_time defaults to investigation_time.
	assert.InDelta(t, 0.5, calc.TimeRatio(), 1e-12)

	byTRT := ByTRT(calc.MinimumMagnitude)
	assert.InDelta(t, 5.0, byTRT["Active Shallow Crust"], 1e-12)
}

func TestDump(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	data, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(data), "investigation_time: 50")
	assert.Contains(t, string(data), "name: PGA")
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing api section",
			content: "global:\n  results_dir: ./r\n",
			wantErr: "api section is required",
		},
		{
			name:    "defaults",
			content: "api:\n  server:\n    rate_limit:\n      enabled: true\n  indexing:\n    enabled: true\n",
		},
		{
			name:    "bad interval",
			content: "api:\n  indexing:\n    enabled: true\n    interval: soon\n",
			wantErr: "api.indexing.interval",
		},
		{
			name:    "bad database",
			content: "api:\n  server:\n    listen: ':8080'\ndatabase:\n  driver: mysql\n",
			wantErr: "unsupported driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			require.NoError(t, err)

			err = cfg.ValidateAPI()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, DefaultAPIListen, cfg.API.Server.Listen)
			assert.Equal(t, DefaultPublicRPM, cfg.API.Server.RateLimit.Public.RequestsPerMinute)
		})
	}
}
