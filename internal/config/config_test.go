package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"empty source", func(o *Options) { o.Source = "" }},
		{"unknown strategy", func(o *Options) { o.KeyframeStrategy = "random" }},
		{"zero interval", func(o *Options) { o.KeyframeInterval = 0 }},
		{"similarity above one", func(o *Options) {
			o.KeyframeStrategy = StrategySimilarity
			o.SimilarityThreshold = 1.5
		}},
		{"negative motion threshold", func(o *Options) {
			o.KeyframeStrategy = StrategyMotion
			o.MotionThreshold = -1
		}},
		{"blur threshold above one", func(o *Options) { o.BlurThreshold = 1.5 }},
		{"unknown deblur method", func(o *Options) { o.DeblurMethod = "magic" }},
		{"zero iterations", func(o *Options) {
			o.DeblurMethod = DeblurIterative
			o.IterativeIterations = 0
		}},
		{"unknown circle method", func(o *Options) { o.CircleDetectionMethod = "guess" }},
		{"confidence above one", func(o *Options) { o.ConfidenceThreshold = 1.1 }},
		{"inner above outer", func(o *Options) {
			o.UnwrapInnerRadiusRatio = 0.9
			o.UnwrapOuterRadiusRatio = 0.5
		}},
		{"tiny angular resolution", func(o *Options) { o.AngularResolution = 8 }},
		{"negative trim", func(o *Options) { o.TrimMargin = -1 }},
		{"zero overlap", func(o *Options) { o.OverlapPixels = 0 }},
		{"min inliers below three", func(o *Options) { o.MinInliers = 2 }},
		{"unknown transform", func(o *Options) { o.TransformModel = "affine" }},
		{"unknown blend", func(o *Options) { o.BlendMethod = "feather" }},
		{"unknown format", func(o *Options) { o.OutputFormat = "webp" }},
		{"empty output dir", func(o *Options) { o.OutputDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Default()
			tc.mutate(opts)
			if err := opts.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	t.Setenv("PIPESCOPE_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	opts, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.KeyframeInterval != defaultKeyframeInterval {
		t.Fatalf("expected defaults, got interval %d", opts.KeyframeInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"keyframe_interval": 25, "blend_method": "multiresolution"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIPESCOPE_CONFIG", path)

	opts, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.KeyframeInterval != 25 {
		t.Fatalf("interval = %d, want 25", opts.KeyframeInterval)
	}
	if opts.BlendMethod != BlendMultiResolution {
		t.Fatalf("blend = %q", opts.BlendMethod)
	}
	// Untouched keys keep their defaults.
	if opts.AngularResolution != defaultAngularResolution {
		t.Fatalf("angular resolution = %d", opts.AngularResolution)
	}
}

func TestPanoramaFilename(t *testing.T) {
	opts := Default()
	if got := opts.PanoramaFilename(); got != "panorama.png" {
		t.Fatalf("got %q", got)
	}
	opts.OutputFormat = FormatTIFF
	if got := opts.PanoramaFilename(); got != "panorama.tiff" {
		t.Fatalf("got %q", got)
	}
}
