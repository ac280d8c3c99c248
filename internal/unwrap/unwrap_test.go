package unwrap

import (
	"testing"

	"gocv.io/x/gocv"

	"pipescope/internal/config"
	"pipescope/internal/geometry"
)

func TestUnwrapDimensions(t *testing.T) {
	opts := config.Default()
	opts.AngularResolution = 360
	opts.TrimMargin = 4
	opts.UnwrapInnerRadiusRatio = 0.4
	opts.UnwrapOuterRadiusRatio = 0.9

	src := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer src.Close()

	circle := geometry.Circle{CenterX: 160, CenterY: 120, Radius: 100, Confidence: 1}
	strip, err := NewUnwrapper(opts).Unwrap(src, circle, 7)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	defer strip.Close()

	// Annulus rows before trim: (0.9 - 0.4) * 100 = 50.
	wantW := 360 - 2*opts.TrimMargin
	wantH := 50 - 2*opts.TrimMargin
	if strip.Mat.Cols() != wantW || strip.Mat.Rows() != wantH {
		t.Fatalf("strip %dx%d, want %dx%d", strip.Mat.Cols(), strip.Mat.Rows(), wantW, wantH)
	}
	if strip.Seq != 7 {
		t.Fatalf("seq = %d", strip.Seq)
	}
	if strip.AngleStart >= strip.AngleEnd {
		t.Fatalf("angle range [%g, %g]", strip.AngleStart, strip.AngleEnd)
	}
}

func TestUnwrapNoTrimCoversFullTurn(t *testing.T) {
	opts := config.Default()
	opts.AngularResolution = 180
	opts.TrimMargin = 0

	src := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer src.Close()

	strip, err := NewUnwrapper(opts).Unwrap(src, geometry.Circle{CenterX: 160, CenterY: 120, Radius: 90}, 0)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	defer strip.Close()

	if strip.AngleStart != 0 || strip.AngleEnd != 360 {
		t.Fatalf("angle range [%g, %g], want [0, 360]", strip.AngleStart, strip.AngleEnd)
	}
}

func TestUnwrapRejectsThinAnnulus(t *testing.T) {
	opts := config.Default()

	src := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer src.Close()

	// A tiny radius leaves fewer than the minimum annulus rows.
	_, err := NewUnwrapper(opts).Unwrap(src, geometry.Circle{CenterX: 160, CenterY: 120, Radius: 5}, 0)
	if err == nil {
		t.Fatal("expected thin-annulus error")
	}
}
