// Package geometry finds the circular boundary of the pipe cross-section
// within a frame. Two interchangeable detectors are provided; both return a
// confidence in [0,1] that the orchestrator gates against the configured
// threshold before unwrapping.
package geometry

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

// Circle is a detected pipe cross-section boundary.
type Circle struct {
	CenterX    float64 `json:"center_x"`
	CenterY    float64 `json:"center_y"`
	Radius     float64 `json:"radius"`
	Confidence float64 `json:"confidence"`
}

// Locator detects the pipe boundary circle. Implementations are selected
// once at configuration time.
type Locator interface {
	// Locate returns the best circle candidate and whether any candidate
	// was found at all. Confidence gating is the caller's decision.
	Locate(src gocv.Mat) (Circle, bool)
}

// NewLocator returns the detector for the configured method.
func NewLocator(opts *config.Options) Locator {
	if opts.CircleDetectionMethod == config.CircleAdaptive {
		return &AdaptiveLocator{}
	}
	return &ParametricLocator{}
}

// ParametricLocator votes over candidate (center, radius) triples with the
// Hough gradient transform. Confidence is derived from edge support along
// the candidate perimeter, which tracks vote strength while staying
// comparable across frame sizes.
type ParametricLocator struct{}

// Locate implements Locator.
func (p *ParametricLocator) Locate(src gocv.Mat) (Circle, bool) {
	gray := toGray(src)
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: 9, Y: 9}, 2, 2, gocv.BorderDefault)

	minDim := gray.Rows()
	if gray.Cols() < minDim {
		minDim = gray.Cols()
	}
	minRadius := minDim / 8
	maxRadius := minDim / 2

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(blurred, &circles, gocv.HoughGradient,
		1.5, float64(minDim)/4, 100, 30, minRadius, maxRadius)

	if circles.Empty() || circles.Cols() == 0 {
		return Circle{}, false
	}

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	frameCX := float64(gray.Cols()) / 2
	frameCY := float64(gray.Rows()) / 2

	best := Circle{Confidence: -1}
	bestCenterDist := math.MaxFloat64
	for i := 0; i < circles.Cols(); i++ {
		c := Circle{
			CenterX: float64(circles.GetFloatAt(0, i*3)),
			CenterY: float64(circles.GetFloatAt(0, i*3+1)),
			Radius:  float64(circles.GetFloatAt(0, i*3+2)),
		}
		c.Confidence = edgeSupport(edges, c)

		centerDist := math.Hypot(c.CenterX-frameCX, c.CenterY-frameCY)
		// Highest confidence wins; exact ties go to the candidate nearest
		// the frame center, since the probe is roughly coaxial.
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && centerDist < bestCenterDist) {
			best = c
			bestCenterDist = centerDist
		}
	}
	return best, true
}

// edgeSupport samples the candidate perimeter and returns the fraction of
// samples backed by an edge pixel within a small tolerance band.
func edgeSupport(edges gocv.Mat, c Circle) float64 {
	const samples = 72
	const band = 2

	rows, cols := edges.Rows(), edges.Cols()
	supported := 0
	counted := 0
	for i := 0; i < samples; i++ {
		theta := 2 * math.Pi * float64(i) / samples
		x := int(c.CenterX + c.Radius*math.Cos(theta) + 0.5)
		y := int(c.CenterY + c.Radius*math.Sin(theta) + 0.5)
		if x < 0 || x >= cols || y < 0 || y >= rows {
			continue
		}
		counted++
		found := false
		for dy := -band; dy <= band && !found; dy++ {
			for dx := -band; dx <= band && !found; dx++ {
				px, py := x+dx, y+dy
				if px < 0 || px >= cols || py < 0 || py >= rows {
					continue
				}
				if edges.GetUCharAt(py, px) > 0 {
					found = true
				}
			}
		}
		if found {
			supported++
		}
	}
	if counted == 0 {
		return 0
	}
	return float64(supported) / float64(counted)
}

// AdaptiveLocator thresholds the image adaptively, takes the largest closed
// contour, and fits the minimal enclosing circle. Confidence is derived from
// the fit residual: a true circle has uniform point-to-center distances.
type AdaptiveLocator struct{}

// Locate implements Locator.
func (a *AdaptiveLocator) Locate(src gocv.Mat) (Circle, bool) {
	gray := toGray(src)
	defer gray.Close()

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.AdaptiveThreshold(gray, &binary, 255,
		gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, 31, 5)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 5, Y: 5})
	defer kernel.Close()
	gocv.MorphologyEx(binary, &binary, gocv.MorphClose, kernel)

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return Circle{}, false
	}

	bestIdx, bestArea := -1, 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > bestArea {
			bestArea = area
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestArea < 16 {
		return Circle{}, false
	}

	contour := contours.At(bestIdx)
	x, y, radius := gocv.MinEnclosingCircle(contour)
	if radius < 4 {
		return Circle{}, false
	}

	c := Circle{CenterX: float64(x), CenterY: float64(y), Radius: float64(radius)}
	c.Confidence = fitConfidence(contour, c)
	return c, true
}

// fitConfidence maps the mean relative radial residual of the contour points
// to [0,1]; zero residual (a perfect circle) gives 1.
func fitConfidence(contour gocv.PointVector, c Circle) float64 {
	n := contour.Size()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		p := contour.At(i)
		d := math.Hypot(float64(p.X)-c.CenterX, float64(p.Y)-c.CenterY)
		sum += math.Abs(d - c.Radius)
	}
	rel := (sum / float64(n)) / c.Radius
	conf := 1 - 5*rel
	if conf < 0 {
		return 0
	}
	return conf
}

func toGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}
	return gray
}
