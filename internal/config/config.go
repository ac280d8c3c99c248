package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/pipescope/config.json"

	defaultKeyframeInterval    = 10
	defaultSimilarityThreshold = 0.92
	defaultMotionThreshold     = 4.0
	defaultMaxKeyframes        = 500
	defaultIterations          = 10
	defaultBlurThreshold       = 0.55
	defaultConfidenceThreshold = 0.6
	defaultOverlapPixels       = 64
	defaultAngularResolution   = 720
	defaultTrimMargin          = 4
	defaultMinInliers          = 8
	defaultOuterRadiusRatio    = 0.95
	defaultInnerRadiusRatio    = 0.35
)

// KeyframeStrategy selects how raw frames are promoted to keyframes.
type KeyframeStrategy string

const (
	StrategyInterval   KeyframeStrategy = "interval"
	StrategySimilarity KeyframeStrategy = "similarity"
	StrategyMotion     KeyframeStrategy = "motion"
)

// DeblurMethod selects the restoration algorithm.
type DeblurMethod string

const (
	DeblurFrequencyDomain DeblurMethod = "frequency_domain"
	DeblurIterative       DeblurMethod = "iterative"
)

// CircleMethod selects the circular-region detector.
type CircleMethod string

const (
	CircleParametric CircleMethod = "parametric"
	CircleAdaptive   CircleMethod = "adaptive"
)

// BlendMethod selects the seam blending algorithm.
type BlendMethod string

const (
	BlendLinear          BlendMethod = "linear"
	BlendMultiResolution BlendMethod = "multiresolution"
)

// TransformModel selects the geometric model estimated during registration.
type TransformModel string

const (
	TransformTranslation TransformModel = "translation"
	TransformSimilarity  TransformModel = "similarity"
)

// OutputFormat selects the on-disk image format for persisted artifacts.
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatTIFF OutputFormat = "tiff"
)

// Options is the complete configuration for a reconstruction session.
// It is immutable once a session has been started; the orchestrator takes a
// value copy at Start and never looks at the original again.
type Options struct {
	// Source is a camera index ("0") or a stream URL / file path.
	Source string `json:"source"`

	KeyframeStrategy    KeyframeStrategy `json:"keyframe_strategy"`
	KeyframeInterval    int              `json:"keyframe_interval"`
	SimilarityThreshold float64          `json:"similarity_threshold"`
	MotionThreshold     float64          `json:"motion_threshold"`
	MaxKeyframes        int              `json:"max_keyframes"`

	BlurThreshold       float64      `json:"blur_threshold"`
	DeblurMethod        DeblurMethod `json:"deblur_method"`
	IterativeIterations int          `json:"iterative_iterations"`

	CircleDetectionMethod CircleMethod `json:"circle_detection_method"`
	ConfidenceThreshold   float64      `json:"confidence_threshold"`

	UnwrapOuterRadiusRatio float64 `json:"unwrap_outer_radius_ratio"`
	UnwrapInnerRadiusRatio float64 `json:"unwrap_inner_radius_ratio"`
	AngularResolution      int     `json:"angular_resolution"`
	TrimMargin             int     `json:"trim_margin"`

	OverlapPixels  int            `json:"overlap_pixels"`
	MinInliers     int            `json:"min_inliers"`
	TransformModel TransformModel `json:"transform_model"`
	BlendMethod    BlendMethod    `json:"blend_method"`

	OutputDir        string       `json:"output_dir"`
	OutputFormat     OutputFormat `json:"output_format"`
	SaveIntermediate bool         `json:"save_intermediate"`
	RecordRaw        bool         `json:"record_raw"`

	// DatabasePath enables the SQLite session history when non-empty.
	DatabasePath string `json:"database_path"`

	ListenAddr string  `json:"listen_addr"`
	Logging    Logging `json:"logging"`
}

// Logging controls verbosity and output format.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Default returns the baseline configuration.
func Default() *Options {
	return &Options{
		Source:                 "0",
		KeyframeStrategy:       StrategyInterval,
		KeyframeInterval:       defaultKeyframeInterval,
		SimilarityThreshold:    defaultSimilarityThreshold,
		MotionThreshold:        defaultMotionThreshold,
		MaxKeyframes:           defaultMaxKeyframes,
		BlurThreshold:          defaultBlurThreshold,
		DeblurMethod:           DeblurFrequencyDomain,
		IterativeIterations:    defaultIterations,
		CircleDetectionMethod:  CircleParametric,
		ConfidenceThreshold:    defaultConfidenceThreshold,
		UnwrapOuterRadiusRatio: defaultOuterRadiusRatio,
		UnwrapInnerRadiusRatio: defaultInnerRadiusRatio,
		AngularResolution:      defaultAngularResolution,
		TrimMargin:             defaultTrimMargin,
		OverlapPixels:          defaultOverlapPixels,
		MinInliers:             defaultMinInliers,
		TransformModel:         TransformTranslation,
		BlendMethod:            BlendLinear,
		OutputDir:              "./output",
		OutputFormat:           FormatPNG,
		ListenAddr:             ":8750",
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
	}
}

// Load reads configuration from disk, falling back to defaults when the file
// does not exist. The path may be overridden with PIPESCOPE_CONFIG.
func Load() (*Options, error) {
	opts := Default()

	configPath := os.Getenv("PIPESCOPE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return opts, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return opts, nil
}

// Validate checks every enumerated and numeric option. It is called by the
// orchestrator before a session starts and fails fast with a descriptive error.
func (o *Options) Validate() error {
	if o.Source == "" {
		return errors.New("source must be a camera index or stream URL")
	}

	switch o.KeyframeStrategy {
	case StrategyInterval:
		if o.KeyframeInterval < 1 {
			return fmt.Errorf("keyframe_interval must be >= 1, got %d", o.KeyframeInterval)
		}
	case StrategySimilarity:
		if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
			return fmt.Errorf("similarity_threshold must be in (0,1], got %g", o.SimilarityThreshold)
		}
	case StrategyMotion:
		if o.MotionThreshold <= 0 {
			return fmt.Errorf("motion_threshold must be > 0, got %g", o.MotionThreshold)
		}
		if o.MaxKeyframes < 1 {
			return fmt.Errorf("max_keyframes must be >= 1, got %d", o.MaxKeyframes)
		}
	default:
		return fmt.Errorf("unknown keyframe_strategy %q", o.KeyframeStrategy)
	}

	if o.BlurThreshold < 0 || o.BlurThreshold > 1 {
		return fmt.Errorf("blur_threshold must be in [0,1], got %g", o.BlurThreshold)
	}
	switch o.DeblurMethod {
	case DeblurFrequencyDomain:
	case DeblurIterative:
		if o.IterativeIterations < 1 {
			return fmt.Errorf("iterative_iterations must be >= 1, got %d", o.IterativeIterations)
		}
	default:
		return fmt.Errorf("unknown deblur_method %q", o.DeblurMethod)
	}

	switch o.CircleDetectionMethod {
	case CircleParametric, CircleAdaptive:
	default:
		return fmt.Errorf("unknown circle_detection_method %q", o.CircleDetectionMethod)
	}
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %g", o.ConfidenceThreshold)
	}

	if o.UnwrapOuterRadiusRatio <= 0 || o.UnwrapOuterRadiusRatio > 1 {
		return fmt.Errorf("unwrap_outer_radius_ratio must be in (0,1], got %g", o.UnwrapOuterRadiusRatio)
	}
	if o.UnwrapInnerRadiusRatio <= 0 || o.UnwrapInnerRadiusRatio > 1 {
		return fmt.Errorf("unwrap_inner_radius_ratio must be in (0,1], got %g", o.UnwrapInnerRadiusRatio)
	}
	if o.UnwrapInnerRadiusRatio >= o.UnwrapOuterRadiusRatio {
		return fmt.Errorf("unwrap_inner_radius_ratio (%g) must be below unwrap_outer_radius_ratio (%g)",
			o.UnwrapInnerRadiusRatio, o.UnwrapOuterRadiusRatio)
	}
	if o.AngularResolution < 16 {
		return fmt.Errorf("angular_resolution must be >= 16, got %d", o.AngularResolution)
	}
	if o.TrimMargin < 0 {
		return fmt.Errorf("trim_margin must be >= 0, got %d", o.TrimMargin)
	}

	if o.OverlapPixels < 1 {
		return fmt.Errorf("overlap_pixels must be >= 1, got %d", o.OverlapPixels)
	}
	if o.MinInliers < 3 {
		return fmt.Errorf("min_inliers must be >= 3, got %d", o.MinInliers)
	}
	switch o.TransformModel {
	case TransformTranslation, TransformSimilarity:
	default:
		return fmt.Errorf("unknown transform_model %q", o.TransformModel)
	}
	switch o.BlendMethod {
	case BlendLinear, BlendMultiResolution:
	default:
		return fmt.Errorf("unknown blend_method %q", o.BlendMethod)
	}

	switch o.OutputFormat {
	case FormatPNG, FormatTIFF:
	default:
		return fmt.Errorf("unknown output_format %q", o.OutputFormat)
	}
	if o.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}

	return nil
}

// PanoramaFilename returns the final artifact name for the configured format.
func (o *Options) PanoramaFilename() string {
	return "panorama." + string(o.OutputFormat)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
