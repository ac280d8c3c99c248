package stitch

import (
	"gocv.io/x/gocv"
)

// loweRatio rejects ambiguous matches: the best neighbor must beat the
// second-best by this factor.
const loweRatio = 0.75

// PointPair is one accepted feature correspondence between the new strip (A)
// and the canvas trailing edge (B).
type PointPair struct {
	AX, AY float64
	BX, BY float64
}

// Matcher extracts ORB descriptors and matches them with a Hamming
// brute-force matcher.
type Matcher struct {
	orb gocv.ORB
	bf  gocv.BFMatcher
}

// NewMatcher creates the feature pipeline. Close must be called.
func NewMatcher() *Matcher {
	return &Matcher{
		orb: gocv.NewORB(),
		bf:  gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
	}
}

// Close releases the native detector and matcher.
func (m *Matcher) Close() {
	m.orb.Close()
	m.bf.Close()
}

// MatchRegions detects features in both images and returns ratio-filtered
// correspondences (strip region first, canvas region second).
func (m *Matcher) MatchRegions(strip, canvas gocv.Mat) []PointPair {
	mask := gocv.NewMat()
	defer mask.Close()

	kpA, descA := m.orb.DetectAndCompute(strip, mask)
	defer descA.Close()
	kpB, descB := m.orb.DetectAndCompute(canvas, mask)
	defer descB.Close()

	if descA.Empty() || descB.Empty() || len(kpA) < 2 || len(kpB) < 2 {
		return nil
	}

	matches := m.bf.KnnMatch(descA, descB, 2)

	var pairs []PointPair
	for _, mm := range matches {
		if len(mm) < 2 {
			continue
		}
		if mm[0].Distance >= loweRatio*mm[1].Distance {
			continue
		}
		a := kpA[mm[0].QueryIdx]
		b := kpB[mm[0].TrainIdx]
		pairs = append(pairs, PointPair{AX: a.X, AY: a.Y, BX: b.X, BY: b.Y})
	}
	return pairs
}
