// Package tuning centralizes every empirically calibrated constant in the
// detection pipeline: expression blend weights, smirk thresholds, calibration
// timing, quality tiers, and the GPU heuristic lists. All of it is loadable
// from a config file so thresholds can be retuned without a rebuild.
package tuning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HappinessWeights blends the three raw mouth signals into a single
// happiness score. Values were calibrated by observation, not derivation.
type HappinessWeights struct {
	MouthHappy float64 `mapstructure:"mouth_happy"`
	MouthSmile float64 `mapstructure:"mouth_smile"`
	MouthOpen  float64 `mapstructure:"mouth_open"`
}

// Smirk controls the pass/fail decision during a round.
type Smirk struct {
	// EnterThreshold is the happiness score at which a smirk starts being
	// counted; ExitThreshold is where an in-progress smirk is forgiven.
	// Enter > Exit gives hysteresis so a flickering score near the line
	// does not toggle the state every frame.
	EnterThreshold float64 `mapstructure:"enter_threshold"`
	ExitThreshold  float64 `mapstructure:"exit_threshold"`

	// GraceFrames is how many consecutive smirking frames are tolerated
	// before the player is eliminated.
	GraceFrames int `mapstructure:"grace_frames"`
}

// Eyes controls eye-openness scoring.
type Eyes struct {
	// OpenRatio is the eye height/width ratio treated as fully open.
	OpenRatio float64 `mapstructure:"open_ratio"`
	// ClosedThreshold is the openness score below which an eye counts as
	// closed.
	ClosedThreshold float64 `mapstructure:"closed_threshold"`
	// MinLandmarks is the minimum landmark count required before openness
	// is computed; below it the eye defaults to fully open.
	MinLandmarks int `mapstructure:"min_landmarks"`
}

// Pose controls the simplified head-pose estimate.
type Pose struct {
	YawTolerance   float64 `mapstructure:"yaw_tolerance"`
	PitchTolerance float64 `mapstructure:"pitch_tolerance"`
	// YawScale and PitchScale convert normalized landmark offsets into
	// degree-equivalent units.
	YawScale   float64 `mapstructure:"yaw_scale"`
	PitchScale float64 `mapstructure:"pitch_scale"`
	// PitchNeutralRatio is where the nose tip sits between the eye line
	// and the chin on a level head.
	PitchNeutralRatio float64 `mapstructure:"pitch_neutral_ratio"`
}

// Calibration controls the pre-round stability check.
type Calibration struct {
	CheckIntervalMs     int     `mapstructure:"check_interval_ms"`
	StabilityDurationMs int     `mapstructure:"stability_duration_ms"`
	TimeoutMs           int     `mapstructure:"timeout_ms"`
	NeutralThreshold    float64 `mapstructure:"neutral_threshold"`
}

// TierSpec is the capture profile for one quality tier.
type TierSpec struct {
	Scale     float64 `mapstructure:"scale"`
	TargetFPS int     `mapstructure:"target_fps"`
}

// Quality controls the adaptive resolution controller.
type Quality struct {
	BaseWidth  int `mapstructure:"base_width"`
	BaseHeight int `mapstructure:"base_height"`

	High   TierSpec `mapstructure:"high"`
	Medium TierSpec `mapstructure:"medium"`
	Low    TierSpec `mapstructure:"low"`

	UpgradeFPS       float64 `mapstructure:"upgrade_fps"`
	UpgradeLatencyMs float64 `mapstructure:"upgrade_latency_ms"`
	DowngradeFPS     float64 `mapstructure:"downgrade_fps"`
	MinAcceptableFPS float64 `mapstructure:"min_acceptable_fps"`
	EmergencyFPS     int     `mapstructure:"emergency_target_fps"`

	MaxSamples int `mapstructure:"max_samples"`
	MinSamples int `mapstructure:"min_samples"`
}

// Detector controls initialization behavior.
type Detector struct {
	MaxInitRetries    int     `mapstructure:"max_init_retries"`
	MinFaceConfidence float64 `mapstructure:"min_face_confidence"`
}

// GPU carries the renderer heuristic lists. Empty slices mean "use the
// built-in tables"; the lists are versioned data, not code.
type GPU struct {
	SoftwareRenderers []string `mapstructure:"software_renderers"`
	WeakRenderers     []string `mapstructure:"weak_renderers"`
}

// Config is the full tuning surface.
type Config struct {
	Happiness   HappinessWeights `mapstructure:"happiness"`
	Smirk       Smirk            `mapstructure:"smirk"`
	Eyes        Eyes             `mapstructure:"eyes"`
	Pose        Pose             `mapstructure:"pose"`
	Calibration Calibration      `mapstructure:"calibration"`
	Quality     Quality          `mapstructure:"quality"`
	Detector    Detector         `mapstructure:"detector"`
	GPU         GPU              `mapstructure:"gpu"`
}

// Defaults returns the shipped tuning values.
func Defaults() Config {
	return Config{
		Happiness: HappinessWeights{
			MouthHappy: 0.70,
			MouthSmile: 0.25,
			MouthOpen:  0.05,
		},
		Smirk: Smirk{
			EnterThreshold: 0.45,
			ExitThreshold:  0.30,
			GraceFrames:    3,
		},
		Eyes: Eyes{
			OpenRatio:       0.28,
			ClosedThreshold: 0.25,
			MinLandmarks:    16,
		},
		Pose: Pose{
			YawTolerance:      15,
			PitchTolerance:    15,
			YawScale:          90,
			PitchScale:        120,
			PitchNeutralRatio: 0.45,
		},
		Calibration: Calibration{
			CheckIntervalMs:     50,
			StabilityDurationMs: 1000,
			TimeoutMs:           30000,
			NeutralThreshold:    0.30,
		},
		Quality: Quality{
			BaseWidth:  640,
			BaseHeight: 480,
			High:       TierSpec{Scale: 1.0, TargetFPS: 30},
			Medium:     TierSpec{Scale: 0.75, TargetFPS: 25},
			Low:        TierSpec{Scale: 0.5, TargetFPS: 15},

			UpgradeFPS:       45,
			UpgradeLatencyMs: 20,
			DowngradeFPS:     30,
			MinAcceptableFPS: 20,
			EmergencyFPS:     15,

			MaxSamples: 30,
			MinSamples: 10,
		},
		Detector: Detector{
			MaxInitRetries:    3,
			MinFaceConfidence: 0.5,
		},
	}
}

// Load reads a tuning file over the defaults. Fields absent from the file
// keep their default values, so partial configs are safe. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("reading tuning file: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing tuning file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Watch re-reads the tuning file whenever it changes and hands the result to
// onChange. Invalid edits are reported and skipped; the previous config
// stays live.
func Watch(path string, onChange func(Config, error)) error {
	if path == "" {
		return errors.New("no tuning file to watch")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading tuning file: %w", err)
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg := Defaults()
		if err := v.Unmarshal(&cfg); err != nil {
			onChange(cfg, fmt.Errorf("parsing tuning file: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onChange(cfg, err)
			return
		}
		onChange(cfg, nil)
	})
	v.WatchConfig()

	return nil
}

// Validate rejects configs that would wedge the pipeline.
func (c Config) Validate() error {
	var problems []string

	sum := c.Happiness.MouthHappy + c.Happiness.MouthSmile + c.Happiness.MouthOpen
	if sum <= 0 {
		problems = append(problems, "happiness weights must sum to a positive value")
	}
	if c.Smirk.EnterThreshold <= c.Smirk.ExitThreshold {
		problems = append(problems, "smirk enter threshold must exceed exit threshold")
	}
	if c.Smirk.GraceFrames < 0 {
		problems = append(problems, "smirk grace frames must not be negative")
	}
	if c.Calibration.CheckIntervalMs <= 0 {
		problems = append(problems, "calibration check interval must be positive")
	}
	if c.Calibration.StabilityDurationMs < c.Calibration.CheckIntervalMs {
		problems = append(problems, "calibration stability duration must be at least one check interval")
	}
	if c.Quality.MinSamples <= 0 || c.Quality.MaxSamples < c.Quality.MinSamples {
		problems = append(problems, "quality sample window must hold at least min_samples entries")
	}
	if c.Quality.MinAcceptableFPS > c.Quality.DowngradeFPS {
		problems = append(problems, "min acceptable fps must not exceed the downgrade threshold")
	}
	if c.Detector.MaxInitRetries < 0 {
		problems = append(problems, "max init retries must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid tuning: %s", strings.Join(problems, "; "))
	}
	return nil
}
