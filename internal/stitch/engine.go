package stitch

import (
	"image"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/config"
	"pipescope/internal/unwrap"
)

// searchBandFactor widens the canvas reference region beyond the nominal
// overlap so registration can recover drift in either direction.
const searchBandFactor = 2

// StripState tracks how a strip ended up on the canvas.
type StripState string

const (
	StateRegistered     StripState = "registered"
	StateFallbackPlaced StripState = "fallback_placed"
	StateBootstrapped   StripState = "bootstrapped"
)

// StripResult reports the outcome of stitching one strip. Confidence is the
// inlier share of the ratio-filtered matches; zero for fallback placements.
type StripResult struct {
	Seq              uint64     `json:"seq"`
	State            StripState `json:"state"`
	Inliers          int        `json:"inliers"`
	Confidence       float64    `json:"confidence"`
	EffectiveOverlap int        `json:"effective_overlap"`
	CanvasWidth      int        `json:"canvas_width"`
}

// Engine appends unwrapped strips onto the panorama canvas in sequence
// order. It is not safe for concurrent use; the processing goroutine owns it.
type Engine struct {
	matcher *Matcher
	canvas  *Canvas
	rng     *rand.Rand
	log     *logrus.Entry

	overlap    int
	minInliers int
	model      config.TransformModel
	blend      config.BlendMethod

	fallbacks int
}

// NewEngine builds a stitching engine from validated options.
func NewEngine(opts *config.Options, log *logrus.Logger) *Engine {
	return &Engine{
		matcher:    NewMatcher(),
		canvas:     NewCanvas(),
		rng:        rand.New(rand.NewSource(1)),
		log:        log.WithField("component", "stitch"),
		overlap:    opts.OverlapPixels,
		minInliers: opts.MinInliers,
		model:      opts.TransformModel,
		blend:      opts.BlendMethod,
	}
}

// Canvas exposes the underlying panorama.
func (e *Engine) Canvas() *Canvas {
	return e.canvas
}

// Fallbacks returns how many strips were placed at the nominal offset
// because registration failed.
func (e *Engine) Fallbacks() int {
	return e.fallbacks
}

// Close releases the native resources. The canvas survives until the caller
// closes it separately.
func (e *Engine) Close() {
	e.matcher.Close()
}

// Stitch registers strip against the canvas trailing edge and appends it.
// On registration failure the strip is still placed at the nominal overlap,
// so a weakly textured section degrades alignment rather than losing wall
// coverage.
func (e *Engine) Stitch(strip *unwrap.Strip) (StripResult, error) {
	res := StripResult{Seq: strip.Seq}

	if e.canvas.Empty() {
		err := e.canvas.Bootstrap(strip.Mat, SeamMeta{
			Seq:         strip.Seq,
			BlendMethod: e.blend,
		})
		if err != nil {
			return res, err
		}
		res.State = StateBootstrapped
		res.CanvasWidth = e.canvas.Width()
		return res, nil
	}

	normalized := e.normalizeHeight(strip.Mat)
	defer normalized.Close()

	t, inliers, matches, ok := e.register(normalized)
	res.Inliers = inliers
	if ok && matches > 0 {
		res.Confidence = float64(inliers) / float64(matches)
	}

	if !ok {
		e.fallbacks++
		e.log.WithFields(logrus.Fields{
			"seq":     strip.Seq,
			"inliers": inliers,
		}).Warn("registration failed, placing strip at nominal overlap")

		err := e.canvas.Append(normalized, e.overlap, SeamMeta{
			Seq:           strip.Seq,
			BlendMethod:   e.blend,
			FallbackUsed:  true,
			InlierMatches: inliers,
		})
		if err != nil {
			return res, err
		}
		res.State = StateFallbackPlaced
		res.EffectiveOverlap = e.overlap
		res.CanvasWidth = e.canvas.Width()
		return res, nil
	}

	aligned := e.aligned(normalized, t)
	defer aligned.Close()

	effective := e.effectiveOverlap(t)
	err := e.canvas.Append(aligned, effective, SeamMeta{
		Seq:           strip.Seq,
		BlendMethod:   e.blend,
		Confidence:    res.Confidence,
		InlierMatches: inliers,
	})
	if err != nil {
		return res, err
	}

	e.log.WithFields(logrus.Fields{
		"seq":     strip.Seq,
		"inliers": inliers,
		"overlap": effective,
		"width":   e.canvas.Width(),
	}).Debug("strip registered")

	res.State = StateRegistered
	res.EffectiveOverlap = effective
	res.CanvasWidth = e.canvas.Width()
	return res, nil
}

// register matches the strip's leading columns against the canvas trailing
// band and estimates the configured transform. It returns the fit, the
// inlier count, and the total number of ratio-filtered matches.
func (e *Engine) register(strip gocv.Mat) (Transform, int, int, bool) {
	bandW := e.searchBand()
	band := e.canvas.TrailingBand(bandW)
	defer band.Close()

	leadW := bandW
	if leadW > strip.Cols() {
		leadW = strip.Cols()
	}
	lead := strip.Region(image.Rect(0, 0, leadW, strip.Rows()))
	defer lead.Close()

	pairs := e.matcher.MatchRegions(lead, band)
	if len(pairs) < e.minInliers {
		return Identity(), len(pairs), len(pairs), false
	}
	t, inliers, ok := Estimate(e.model, pairs, e.minInliers, e.rng)
	return t, inliers, len(pairs), ok
}

func (e *Engine) searchBand() int {
	bandW := e.overlap * searchBandFactor
	if bandW > e.canvas.Width() {
		bandW = e.canvas.Width()
	}
	return bandW
}

// effectiveOverlap converts the estimated horizontal shift into a seam width.
// TX maps strip x=0 into band coordinates, so the strip overlaps the canvas
// by the band width minus that shift.
func (e *Engine) effectiveOverlap(t Transform) int {
	eff := e.searchBand() - int(math.Round(t.TX))
	if eff < 1 {
		eff = 1
	}
	if max := 2 * e.overlap; eff > max {
		eff = max
	}
	return eff
}

// aligned applies the rotation/scale/vertical part of the transform to the
// strip. The horizontal shift stays out of the warp; it is realized through
// the seam overlap instead. Pure translations skip the warp entirely.
func (e *Engine) aligned(strip gocv.Mat, t Transform) gocv.Mat {
	if e.model == config.TransformTranslation {
		return strip.Clone()
	}

	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer m.Close()
	m.SetDoubleAt(0, 0, t.A)
	m.SetDoubleAt(0, 1, -t.B)
	m.SetDoubleAt(0, 2, 0)
	m.SetDoubleAt(1, 0, t.B)
	m.SetDoubleAt(1, 1, t.A)
	m.SetDoubleAt(1, 2, t.TY)

	out := gocv.NewMat()
	gocv.WarpAffine(strip, &out, m, image.Point{X: strip.Cols(), Y: strip.Rows()})
	return out
}

// normalizeHeight rescales the strip to the canvas height so rows line up
// across keyframes taken at different distances from the wall.
func (e *Engine) normalizeHeight(strip gocv.Mat) gocv.Mat {
	h := e.canvas.Height()
	if strip.Rows() == h {
		return strip.Clone()
	}
	scale := float64(h) / float64(strip.Rows())
	w := int(math.Round(float64(strip.Cols()) * scale))
	if w < 2 {
		w = 2
	}
	out := gocv.NewMat()
	gocv.Resize(strip, &out, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationLinear)
	return out
}
