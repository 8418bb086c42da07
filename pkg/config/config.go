package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/shakeoor/pkg/fsutil"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. SHAKEOOR_GLOBAL_LOG_LEVEL.
	EnvPrefix = "SHAKEOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for calculation outputs.
	DefaultResultsDir = "./results"

	// DefaultMasterSeed is the default seed for event sampling.
	DefaultMasterSeed = 42

	// DefaultSoftMemLimit is the memory usage percentage above which a
	// warning is logged.
	DefaultSoftMemLimit = 90.0

	// DefaultHardMemLimit is the memory usage percentage above which a
	// calculation is aborted.
	DefaultHardMemLimit = 99.0

	// DefaultConcurrentTasks is the default number of parallel work units.
	DefaultConcurrentTasks = 4

	// DefaultSESPerLogicTreePath is the default number of stochastic event sets.
	DefaultSESPerLogicTreePath = 1

	// DefaultGMFMaxSize is the gmf_data size above which avg_gmf is skipped.
	DefaultGMFMaxSize = "1GB"

	// DefaultGMPE is the name of the bundled ground-motion evaluator.
	DefaultGMPE = "simple"

	// DefaultDatabaseDriver is the default calculation database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultDatabasePath is the default sqlite database location.
	DefaultDatabasePath = "./results/shakeoor.db"
)

// Calculation modes.
const (
	ModeEventBased     = "event_based"
	ModeScenario       = "scenario"
	ModeEventBasedRisk = "event_based_risk"
	ModeScenarioRisk   = "scenario_risk"
)

// Config is the root configuration for shakeoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Calculation CalculationConfig `yaml:"calculation" mapstructure:"calculation"`
	LogicTree   LogicTreeConfig   `yaml:"logic_tree" mapstructure:"logic_tree"`
	GMPE        GMPEConfig        `yaml:"gmpe" mapstructure:"gmpe"`
	Risk        *RiskConfig       `yaml:"risk,omitempty" mapstructure:"risk"`
	Inputs      InputsConfig      `yaml:"inputs" mapstructure:"inputs"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Upload      *UploadConfig     `yaml:"upload,omitempty" mapstructure:"upload"`
	API         *APIConfig        `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel     string  `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir   string  `yaml:"results_dir" mapstructure:"results_dir"`
	MasterSeed   uint64  `yaml:"master_seed" mapstructure:"master_seed"`
	SoftMemLimit float64 `yaml:"soft_mem_limit" mapstructure:"soft_mem_limit"`
	HardMemLimit float64 `yaml:"hard_mem_limit" mapstructure:"hard_mem_limit"`
	// ResultsOwner is an optional "UID:GID" applied to everything written
	// under the results directory.
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// CalculationConfig contains the hazard calculation parameters.
type CalculationConfig struct {
	Mode                  string                 `yaml:"mode" mapstructure:"mode"`
	Description           string                 `yaml:"description,omitempty" mapstructure:"description"`
	IMTs                  []IMTConfig            `yaml:"imts" mapstructure:"imts"`
	InvestigationTime     float64                `yaml:"investigation_time" mapstructure:"investigation_time"`
	SESPerLogicTreePath   int                    `yaml:"ses_per_logic_tree_path" mapstructure:"ses_per_logic_tree_path"`
	NumberOfGMFs          int                    `yaml:"number_of_ground_motion_fields,omitempty" mapstructure:"number_of_ground_motion_fields"`
	ConcurrentTasks       int                    `yaml:"concurrent_tasks" mapstructure:"concurrent_tasks"`
	TimePerTask           string                 `yaml:"time_per_task,omitempty" mapstructure:"time_per_task"`
	SecondsPerWeight      float64                `yaml:"seconds_per_weight,omitempty" mapstructure:"seconds_per_weight"`
	MaximumDistance       []TRTValue             `yaml:"maximum_distance" mapstructure:"maximum_distance"`
	MinimumMagnitude      []TRTValue             `yaml:"minimum_magnitude,omitempty" mapstructure:"minimum_magnitude"`
	GroundMotionFields    *bool                  `yaml:"ground_motion_fields,omitempty" mapstructure:"ground_motion_fields"`
	HazardCurvesFromGMFs  bool                   `yaml:"hazard_curves_from_gmfs" mapstructure:"hazard_curves_from_gmfs"`
	IndividualRlzs        bool                   `yaml:"individual_rlzs" mapstructure:"individual_rlzs"`
	PoEs                  []float64              `yaml:"poes,omitempty" mapstructure:"poes"`
	GMFMaxSize            string                 `yaml:"gmf_max_size,omitempty" mapstructure:"gmf_max_size"`
	RiskInvestigationTime float64                `yaml:"risk_investigation_time,omitempty" mapstructure:"risk_investigation_time"`
	Extra                 map[string]interface{} `yaml:"extra,omitempty" mapstructure:"extra"`
}

// IMTConfig describes one intensity measure type with its hazard curve
// levels and minimum intensity.
type IMTConfig struct {
	Name             string    `yaml:"name" mapstructure:"name"`
	Levels           []float64 `yaml:"levels,omitempty" mapstructure:"levels"`
	MinimumIntensity float64   `yaml:"minimum_intensity,omitempty" mapstructure:"minimum_intensity"`
}

// TRTValue associates a numeric value with a tectonic region type. The
// special TRT "default" applies to every region without its own entry.
type TRTValue struct {
	TRT   string  `yaml:"trt" mapstructure:"trt"`
	Value float64 `yaml:"value" mapstructure:"value"`
}

// LogicTreeConfig declares the tectonic regions, source models and the
// realizations of the calculation.
type LogicTreeConfig struct {
	TRTs            []string            `yaml:"trts" mapstructure:"trts"`
	NumSourceModels int                 `yaml:"num_source_models" mapstructure:"num_source_models"`
	Realizations    []RealizationConfig `yaml:"realizations" mapstructure:"realizations"`
}

// RealizationConfig is one logic tree path.
type RealizationConfig struct {
	Weight      float64         `yaml:"weight" mapstructure:"weight"`
	SourceModel int             `yaml:"source_model" mapstructure:"source_model"`
	GSIMs       []GSIMByTRTItem `yaml:"gsims" mapstructure:"gsims"`
}

// GSIMByTRTItem selects a ground shaking model for a tectonic region.
type GSIMByTRTItem struct {
	TRT  string `yaml:"trt" mapstructure:"trt"`
	GSIM string `yaml:"gsim" mapstructure:"gsim"`
}

// GMPEConfig selects the ground-motion evaluator and its parameters.
type GMPEConfig struct {
	Name   string                 `yaml:"name" mapstructure:"name"`
	Params map[string]interface{} `yaml:"params,omitempty" mapstructure:"params"`
}

// RiskConfig contains the risk calculation parameters.
type RiskConfig struct {
	AssetCorrelation bool                  `yaml:"asset_correlation" mapstructure:"asset_correlation"`
	CollectRlzs      bool                  `yaml:"collect_rlzs" mapstructure:"collect_rlzs"`
	AggregateBy      [][]string            `yaml:"aggregate_by,omitempty" mapstructure:"aggregate_by"`
	AvgLosses        *bool                 `yaml:"avg_losses,omitempty" mapstructure:"avg_losses"`
	LossTypes        []string              `yaml:"loss_types" mapstructure:"loss_types"`
	MinimumAssetLoss map[string]float64    `yaml:"minimum_asset_loss,omitempty" mapstructure:"minimum_asset_loss"`
	Vulnerability    []VulnerabilityConfig `yaml:"vulnerability" mapstructure:"vulnerability"`

	// AssetHazardDistance rejects assets farther than this many km from
	// their closest site; zero disables the check.
	AssetHazardDistance float64 `yaml:"asset_hazard_distance,omitempty" mapstructure:"asset_hazard_distance"`
}

// VulnerabilityConfig is a discrete vulnerability function for one
// taxonomy and loss type.
type VulnerabilityConfig struct {
	Taxonomy string    `yaml:"taxonomy" mapstructure:"taxonomy"`
	LossType string    `yaml:"loss_type" mapstructure:"loss_type"`
	IMT      string    `yaml:"imt" mapstructure:"imt"`
	IMLs     []float64 `yaml:"imls" mapstructure:"imls"`
	MeanLRs  []float64 `yaml:"mean_lrs" mapstructure:"mean_lrs"`
	CoVs     []float64 `yaml:"covs,omitempty" mapstructure:"covs"`
}

// InputsConfig points at the input files of a calculation.
type InputsConfig struct {
	Ruptures string `yaml:"ruptures" mapstructure:"ruptures"`
	Sites    string `yaml:"sites" mapstructure:"sites"`
	Assets   string `yaml:"assets,omitempty" mapstructure:"assets"`
}

// UploadConfig contains remote upload settings.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads and merges one or more configuration files, in order, and
// applies SHAKEOOR_* environment overrides on top.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file given")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(f)
		} else {
			err = v.MergeConfig(f)
		}

		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers defaults with viper so that environment variables
// can override keys missing from the YAML.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.results_dir", DefaultResultsDir)
	v.SetDefault("global.master_seed", DefaultMasterSeed)
	v.SetDefault("global.soft_mem_limit", DefaultSoftMemLimit)
	v.SetDefault("global.hard_mem_limit", DefaultHardMemLimit)
	v.SetDefault("calculation.mode", ModeEventBased)
	v.SetDefault("calculation.concurrent_tasks", DefaultConcurrentTasks)
	v.SetDefault("calculation.ses_per_logic_tree_path", DefaultSESPerLogicTreePath)
	v.SetDefault("calculation.gmf_max_size", DefaultGMFMaxSize)
	v.SetDefault("calculation.hazard_curves_from_gmfs", false)
	v.SetDefault("calculation.individual_rlzs", false)
	v.SetDefault("gmpe.name", DefaultGMPE)
	v.SetDefault("logic_tree.num_source_models", 1)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultDatabasePath)
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Calculation.GroundMotionFields == nil {
		gmfs := true
		c.Calculation.GroundMotionFields = &gmfs
	}

	if c.Calculation.IsScenario() && c.Calculation.NumberOfGMFs == 0 {
		c.Calculation.NumberOfGMFs = 1
	}

	if c.Calculation.RiskInvestigationTime == 0 {
		c.Calculation.RiskInvestigationTime = c.Calculation.InvestigationTime
	}

	if len(c.LogicTree.Realizations) == 0 {
		c.LogicTree.Realizations = []RealizationConfig{{Weight: 1}}
	}

	if c.Risk != nil && c.Risk.AvgLosses == nil {
		avg := true
		c.Risk.AvgLosses = &avg
	}

	if c.API != nil {
		c.API.applyDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	calc := &c.Calculation

	switch calc.Mode {
	case ModeEventBased, ModeScenario, ModeEventBasedRisk, ModeScenarioRisk:
	default:
		return fmt.Errorf("calculation.mode: unknown mode %q", calc.Mode)
	}

	if len(calc.IMTs) == 0 {
		return fmt.Errorf("calculation.imts: at least one intensity measure type is required")
	}

	seenIMTs := make(map[string]struct{}, len(calc.IMTs))
	numLevels := len(calc.IMTs[0].Levels)

	for i, imt := range calc.IMTs {
		if imt.Name == "" {
			return fmt.Errorf("calculation.imts[%d]: name is required", i)
		}

		if _, ok := seenIMTs[imt.Name]; ok {
			return fmt.Errorf("calculation.imts[%d]: duplicate imt %q", i, imt.Name)
		}

		seenIMTs[imt.Name] = struct{}{}

		if imt.MinimumIntensity < 0 {
			return fmt.Errorf("calculation.imts[%d]: minimum_intensity must be >= 0", i)
		}

		if calc.HazardCurvesFromGMFs {
			if len(imt.Levels) == 0 {
				return fmt.Errorf(
					"calculation.imts[%d]: levels are required with hazard_curves_from_gmfs", i,
				)
			}

			if len(imt.Levels) != numLevels {
				return fmt.Errorf(
					"calculation.imts[%d]: expected %d levels, got %d", i, numLevels, len(imt.Levels),
				)
			}

			for l := 1; l < len(imt.Levels); l++ {
				if imt.Levels[l] <= imt.Levels[l-1] {
					return fmt.Errorf("calculation.imts[%d]: levels must be strictly increasing", i)
				}
			}
		}
	}

	if calc.SESPerLogicTreePath < 1 {
		return fmt.Errorf("calculation.ses_per_logic_tree_path must be >= 1")
	}

	if calc.ConcurrentTasks < 1 {
		return fmt.Errorf("calculation.concurrent_tasks must be >= 1")
	}

	if !calc.IsScenario() && calc.InvestigationTime <= 0 {
		return fmt.Errorf("calculation.investigation_time must be > 0 for %s", calc.Mode)
	}

	if _, err := calc.GetTimePerTask(); err != nil {
		return err
	}

	if _, err := calc.GetGMFMaxSize(); err != nil {
		return err
	}

	for _, poe := range calc.PoEs {
		if poe <= 0 || poe >= 1 {
			return fmt.Errorf("calculation.poes: %v is not in (0, 1)", poe)
		}
	}

	if len(calc.MaximumDistance) == 0 {
		return fmt.Errorf("calculation.maximum_distance is required")
	}

	if err := c.validateLogicTree(); err != nil {
		return err
	}

	if calc.IsRisk() {
		if err := c.validateRisk(); err != nil {
			return err
		}
	}

	if c.Inputs.Ruptures == "" {
		return fmt.Errorf("inputs.ruptures is required")
	}

	if c.Inputs.Sites == "" {
		return fmt.Errorf("inputs.sites is required")
	}

	if c.Global.HardMemLimit <= 0 || c.Global.HardMemLimit > 100 {
		return fmt.Errorf("global.hard_mem_limit must be in (0, 100]")
	}

	if c.Global.SoftMemLimit > c.Global.HardMemLimit {
		return fmt.Errorf("global.soft_mem_limit must not exceed global.hard_mem_limit")
	}

	if _, err := fsutil.ParseOwner(c.Global.ResultsOwner); err != nil {
		return fmt.Errorf("global.results_owner: %w", err)
	}

	if c.Global.ResultsDir != "" {
		dir := filepath.Dir(c.Global.ResultsDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	return c.Database.Validate()
}

// ValidateAPI checks the sections the output server needs.
func (c *Config) ValidateAPI() error {
	if c.API == nil {
		return fmt.Errorf("api section is required")
	}

	if err := c.API.Validate(); err != nil {
		return err
	}

	return c.Database.Validate()
}

func (c *Config) validateLogicTree() error {
	lt := &c.LogicTree

	if len(lt.TRTs) == 0 {
		return fmt.Errorf("logic_tree.trts: at least one tectonic region type is required")
	}

	if lt.NumSourceModels < 1 {
		return fmt.Errorf("logic_tree.num_source_models must be >= 1")
	}

	if len(lt.Realizations) > math.MaxUint16 {
		return fmt.Errorf("logic_tree.realizations: too many realizations (%d)", len(lt.Realizations))
	}

	var total float64

	for i, rlz := range lt.Realizations {
		if rlz.Weight <= 0 {
			return fmt.Errorf("logic_tree.realizations[%d]: weight must be > 0", i)
		}

		if rlz.SourceModel < 0 || rlz.SourceModel >= lt.NumSourceModels {
			return fmt.Errorf(
				"logic_tree.realizations[%d]: source_model %d out of range", i, rlz.SourceModel,
			)
		}

		total += rlz.Weight
	}

	if math.Abs(total-1) > 1e-6 {
		return fmt.Errorf("logic_tree.realizations: weights sum to %v, expected 1", total)
	}

	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk == nil {
		return fmt.Errorf("risk section is required for %s", c.Calculation.Mode)
	}

	if c.Inputs.Assets == "" {
		return fmt.Errorf("inputs.assets is required for %s", c.Calculation.Mode)
	}

	if len(c.Risk.LossTypes) == 0 {
		return fmt.Errorf("risk.loss_types: at least one loss type is required")
	}

	if len(c.Risk.Vulnerability) == 0 {
		return fmt.Errorf("risk.vulnerability: at least one vulnerability function is required")
	}

	for i, vf := range c.Risk.Vulnerability {
		if len(vf.IMLs) == 0 || len(vf.IMLs) != len(vf.MeanLRs) {
			return fmt.Errorf("risk.vulnerability[%d]: imls and mean_lrs must have the same non-zero length", i)
		}

		if len(vf.CoVs) != 0 && len(vf.CoVs) != len(vf.IMLs) {
			return fmt.Errorf("risk.vulnerability[%d]: covs must match imls", i)
		}
	}

	for i, tags := range c.Risk.AggregateBy {
		if len(tags) == 0 {
			return fmt.Errorf("risk.aggregate_by[%d]: empty tag list", i)
		}
	}

	return nil
}

// IsScenario reports whether the calculation mode is a scenario.
func (c *CalculationConfig) IsScenario() bool {
	return c.Mode == ModeScenario || c.Mode == ModeScenarioRisk
}

// IsRisk reports whether the calculation mode produces losses.
func (c *CalculationConfig) IsRisk() bool {
	return c.Mode == ModeEventBasedRisk || c.Mode == ModeScenarioRisk
}

// GetTimePerTask returns the parsed task duration budget, zero if unset.
func (c *CalculationConfig) GetTimePerTask() (time.Duration, error) {
	if c.TimePerTask == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.TimePerTask)
	if err != nil {
		return 0, fmt.Errorf("calculation.time_per_task: %w", err)
	}

	return d, nil
}

// GetGMFMaxSize returns gmf_max_size in bytes.
func (c *CalculationConfig) GetGMFMaxSize() (int64, error) {
	if c.GMFMaxSize == "" {
		return 0, nil
	}

	size, err := units.RAMInBytes(c.GMFMaxSize)
	if err != nil {
		return 0, fmt.Errorf("calculation.gmf_max_size: %w", err)
	}

	return size, nil
}

// IMTNames returns the intensity measure type names in order.
func (c *CalculationConfig) IMTNames() []string {
	names := make([]string, len(c.IMTs))
	for i, imt := range c.IMTs {
		names[i] = imt.Name
	}

	return names
}

// MinIML returns the minimum intensity per IMT.
func (c *CalculationConfig) MinIML() []float64 {
	out := make([]float64, len(c.IMTs))
	for i, imt := range c.IMTs {
		out[i] = imt.MinimumIntensity
	}

	return out
}

// IMLs returns the hazard curve levels per IMT.
func (c *CalculationConfig) IMLs() [][]float64 {
	out := make([][]float64, len(c.IMTs))
	for i, imt := range c.IMTs {
		out[i] = imt.Levels
	}

	return out
}

// TimeRatio returns risk_investigation_time / (investigation_time * ses).
func (c *CalculationConfig) TimeRatio() float64 {
	if c.InvestigationTime == 0 {
		return 0
	}

	return c.RiskInvestigationTime / (c.InvestigationTime * float64(c.SESPerLogicTreePath))
}

// ByTRT converts a TRTValue list into a lookup map.
func ByTRT(values []TRTValue) map[string]float64 {
	out := make(map[string]float64, len(values))
	for _, v := range values {
		out[v.TRT] = v.Value
	}

	return out
}

// Dump serializes the resolved configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return data, nil
}
