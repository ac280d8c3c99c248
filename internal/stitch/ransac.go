package stitch

import (
	"math"
	"math/rand"

	"pipescope/internal/config"
)

const (
	ransacIterations = 500
	inlierTolerance  = 3.0 // pixels
)

// Transform maps strip coordinates into canvas-band coordinates:
//
//	x' = A*x - B*y + TX
//	y' = B*x + A*y + TY
//
// A pure translation has A=1, B=0. A similarity encodes scale*cos / scale*sin
// in A/B.
type Transform struct {
	A, B, TX, TY float64
}

// Identity returns the no-op transform.
func Identity() Transform {
	return Transform{A: 1}
}

// Apply maps a point.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x - t.B*y + t.TX, t.B*x + t.A*y + t.TY
}

// Scale returns the isotropic scale factor of the transform.
func (t Transform) Scale() float64 {
	return math.Hypot(t.A, t.B)
}

// Estimate fits the configured model to the matches with random sampling and
// inlier counting, then refits on the consensus set. ok is false when the
// inlier count stays below minInliers; the caller falls back to fixed-offset
// placement in that case.
func Estimate(model config.TransformModel, pairs []PointPair, minInliers int, rng *rand.Rand) (t Transform, inliers int, ok bool) {
	sampleSize := 1
	if model == config.TransformSimilarity {
		sampleSize = 2
	}
	if len(pairs) < sampleSize || len(pairs) < minInliers {
		return Identity(), 0, false
	}

	best := Identity()
	bestInliers := 0
	var bestMask []bool

	for iter := 0; iter < ransacIterations; iter++ {
		candidate, valid := hypothesize(model, pairs, rng)
		if !valid {
			continue
		}

		count, mask := countInliers(candidate, pairs)
		if count > bestInliers {
			bestInliers = count
			best = candidate
			bestMask = mask
		}
	}

	if bestInliers < minInliers {
		return Identity(), bestInliers, false
	}

	refined := refit(model, pairs, bestMask)
	refinedCount, _ := countInliers(refined, pairs)
	if refinedCount >= bestInliers {
		return refined, refinedCount, true
	}
	return best, bestInliers, true
}

func hypothesize(model config.TransformModel, pairs []PointPair, rng *rand.Rand) (Transform, bool) {
	if model == config.TransformTranslation {
		p := pairs[rng.Intn(len(pairs))]
		return Transform{A: 1, TX: p.BX - p.AX, TY: p.BY - p.AY}, true
	}

	i := rng.Intn(len(pairs))
	j := rng.Intn(len(pairs))
	if i == j {
		return Transform{}, false
	}
	return similarityFromTwo(pairs[i], pairs[j])
}

// similarityFromTwo solves the 4-parameter similarity exactly from two
// correspondences.
func similarityFromTwo(p, q PointPair) (Transform, bool) {
	dxA, dyA := q.AX-p.AX, q.AY-p.AY
	dxB, dyB := q.BX-p.BX, q.BY-p.BY

	den := dxA*dxA + dyA*dyA
	if den < 1e-9 {
		return Transform{}, false
	}

	a := (dxA*dxB + dyA*dyB) / den
	b := (dxA*dyB - dyA*dxB) / den

	t := Transform{A: a, B: b}
	t.TX = p.BX - (a*p.AX - b*p.AY)
	t.TY = p.BY - (b*p.AX + a*p.AY)

	// Reject degenerate or wildly scaled hypotheses.
	s := t.Scale()
	if s < 0.5 || s > 2.0 {
		return Transform{}, false
	}
	return t, true
}

func countInliers(t Transform, pairs []PointPair) (int, []bool) {
	mask := make([]bool, len(pairs))
	count := 0
	for i, p := range pairs {
		x, y := t.Apply(p.AX, p.AY)
		if math.Hypot(x-p.BX, y-p.BY) <= inlierTolerance {
			mask[i] = true
			count++
		}
	}
	return count, mask
}

// refit computes the least-squares transform over the inlier set.
func refit(model config.TransformModel, pairs []PointPair, mask []bool) Transform {
	if model == config.TransformTranslation {
		var sx, sy float64
		n := 0
		for i, p := range pairs {
			if !mask[i] {
				continue
			}
			sx += p.BX - p.AX
			sy += p.BY - p.AY
			n++
		}
		if n == 0 {
			return Identity()
		}
		return Transform{A: 1, TX: sx / float64(n), TY: sy / float64(n)}
	}

	// Closed-form least-squares similarity (Umeyama without scaling the
	// covariance): center both point sets, then
	//   a = sum(xa*xb + ya*yb) / sum(xa^2 + ya^2)
	//   b = sum(xa*yb - ya*xb) / sum(xa^2 + ya^2)
	var cax, cay, cbx, cby float64
	n := 0
	for i, p := range pairs {
		if !mask[i] {
			continue
		}
		cax += p.AX
		cay += p.AY
		cbx += p.BX
		cby += p.BY
		n++
	}
	if n < 2 {
		return Identity()
	}
	fn := float64(n)
	cax /= fn
	cay /= fn
	cbx /= fn
	cby /= fn

	var num1, num2, den float64
	for i, p := range pairs {
		if !mask[i] {
			continue
		}
		xa, ya := p.AX-cax, p.AY-cay
		xb, yb := p.BX-cbx, p.BY-cby
		num1 += xa*xb + ya*yb
		num2 += xa*yb - ya*xb
		den += xa*xa + ya*ya
	}
	if den < 1e-9 {
		return Identity()
	}

	a := num1 / den
	b := num2 / den
	return Transform{
		A:  a,
		B:  b,
		TX: cbx - (a*cax - b*cay),
		TY: cby - (b*cax + a*cay),
	}
}
