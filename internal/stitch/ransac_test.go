package stitch

import (
	"math"
	"math/rand"
	"testing"

	"pipescope/internal/config"
)

// translatedPairs generates correspondences under a pure shift plus a block
// of gross outliers.
func translatedPairs(n, outliers int, dx, dy float64, rng *rand.Rand) []PointPair {
	pairs := make([]PointPair, 0, n+outliers)
	for i := 0; i < n; i++ {
		x := rng.Float64() * 200
		y := rng.Float64() * 100
		pairs = append(pairs, PointPair{AX: x, AY: y, BX: x + dx, BY: y + dy})
	}
	for i := 0; i < outliers; i++ {
		pairs = append(pairs, PointPair{
			AX: rng.Float64() * 200, AY: rng.Float64() * 100,
			BX: rng.Float64() * 200, BY: rng.Float64() * 100,
		})
	}
	return pairs
}

func TestEstimateTranslationWithOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pairs := translatedPairs(40, 15, 24.5, -3.25, rng)

	tr, inliers, ok := Estimate(config.TransformTranslation, pairs, 8, rng)
	if !ok {
		t.Fatal("estimate failed")
	}
	if inliers < 40 {
		t.Fatalf("inliers = %d, want >= 40", inliers)
	}
	if math.Abs(tr.TX-24.5) > 0.5 || math.Abs(tr.TY+3.25) > 0.5 {
		t.Fatalf("recovered shift (%.2f, %.2f), want (24.5, -3.25)", tr.TX, tr.TY)
	}
}

func TestEstimateSimilarity(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	angle := 0.05 // radians
	scale := 1.08
	a := scale * math.Cos(angle)
	b := scale * math.Sin(angle)
	truth := Transform{A: a, B: b, TX: 12, TY: -7}

	pairs := make([]PointPair, 0, 50)
	for i := 0; i < 40; i++ {
		x := rng.Float64() * 300
		y := rng.Float64() * 120
		bx, by := truth.Apply(x, y)
		pairs = append(pairs, PointPair{AX: x, AY: y, BX: bx, BY: by})
	}
	for i := 0; i < 10; i++ {
		pairs = append(pairs, PointPair{
			AX: rng.Float64() * 300, AY: rng.Float64() * 120,
			BX: rng.Float64() * 300, BY: rng.Float64() * 120,
		})
	}

	tr, inliers, ok := Estimate(config.TransformSimilarity, pairs, 8, rng)
	if !ok {
		t.Fatal("estimate failed")
	}
	if inliers < 40 {
		t.Fatalf("inliers = %d, want >= 40", inliers)
	}
	if math.Abs(tr.A-a) > 0.02 || math.Abs(tr.B-b) > 0.02 {
		t.Fatalf("recovered rotation/scale (%.3f, %.3f), want (%.3f, %.3f)", tr.A, tr.B, a, b)
	}
	if math.Abs(tr.Scale()-scale) > 0.02 {
		t.Fatalf("scale %.3f, want %.3f", tr.Scale(), scale)
	}
}

func TestEstimateFailsBelowMinInliers(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	// Pure noise: no consistent transform exists.
	pairs := translatedPairs(0, 30, 0, 0, rng)
	if _, _, ok := Estimate(config.TransformTranslation, pairs, 20, rng); ok {
		t.Fatal("noise should not satisfy the inlier floor")
	}

	// Too few matches altogether.
	few := translatedPairs(3, 0, 5, 5, rng)
	if _, _, ok := Estimate(config.TransformTranslation, few, 8, rng); ok {
		t.Fatal("three matches cannot meet an inlier floor of eight")
	}
}

func TestTransformApplyIdentity(t *testing.T) {
	x, y := Identity().Apply(13.5, -2)
	if x != 13.5 || y != -2 {
		t.Fatalf("identity moved the point to (%g, %g)", x, y)
	}
}
