// Package blur scores defocus severity. Three independent metrics are
// combined into one composite score in [0,1]; higher means more blur.
package blur

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// Weights of the composite formula. Fixed by design; tuning happens through
// the decision threshold, not the formula.
const (
	weightEdges    = 0.40
	weightFreq     = 0.35
	weightGradient = 0.25

	// Normalization anchors observed on focused borescope footage.
	sharpEdgeDensity  = 0.08 // Canny pixel fraction of an in-focus frame
	sharpHighFreq     = 0.30 // high-frequency energy share of an in-focus frame
	sharpGradientMean = 20.0 // mean Sobel magnitude of an in-focus frame
)

// Score is the composite defocus severity with its raw components, kept for
// the session manifest.
type Score struct {
	Composite   float64 `json:"composite"`
	EdgeDensity float64 `json:"edge_density"`
	HighFreq    float64 `json:"high_freq_ratio"`
	Gradient    float64 `json:"gradient_mean"`
}

// Assess computes the blur score of a frame. The input may be color or
// grayscale; it is not modified.
func Assess(src gocv.Mat) Score {
	gray := toGray(src)
	defer gray.Close()

	edges := edgeDensity(gray)
	freq := highFreqRatio(gray)
	grad := gradientMean(gray)

	// Each term maps "sharp" to 0 and "fully blurred" to 1.
	edgeTerm := 1.0 - clamp01(edges/sharpEdgeDensity)
	freqTerm := 1.0 - clamp01(freq/sharpHighFreq)
	gradTerm := 1.0 - clamp01(grad/sharpGradientMean)

	return Score{
		Composite:   weightEdges*edgeTerm + weightFreq*freqTerm + weightGradient*gradTerm,
		EdgeDensity: edges,
		HighFreq:    freq,
		Gradient:    grad,
	}
}

// edgeDensity is the fraction of pixels Canny marks as edges.
func edgeDensity(gray gocv.Mat) float64 {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	total := gray.Rows() * gray.Cols()
	if total == 0 {
		return 0
	}
	return float64(gocv.CountNonZero(edges)) / float64(total)
}

// highFreqRatio is the share of spectral energy away from the DC corner.
// With an unshifted DFT the low frequencies sit at the matrix corners, so the
// central block of the spectrum holds the high-frequency content.
func highFreqRatio(gray gocv.Mat) float64 {
	f32 := gocv.NewMat()
	defer f32.Close()
	gray.ConvertTo(&f32, gocv.MatTypeCV32F)

	m := gocv.GetOptimalDFTSize(f32.Rows())
	n := gocv.GetOptimalDFTSize(f32.Cols())
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(f32, &padded, 0, m-f32.Rows(), 0, n-f32.Cols(),
		gocv.BorderConstant, color.RGBA{})

	spectrum := gocv.NewMat()
	defer spectrum.Close()
	gocv.DFT(padded, &spectrum, gocv.DftComplexOutput)

	planes := gocv.Split(spectrum)
	defer func() {
		for _, p := range planes {
			p.Close()
		}
	}()

	mag := gocv.NewMat()
	defer mag.Close()
	gocv.Magnitude(planes[0], planes[1], &mag)

	total := energy(mag)
	if total <= 0 {
		return 0
	}

	// Central half-region in each dimension = high frequencies.
	rect := image.Rect(n/4, m/4, n*3/4, m*3/4)
	center := mag.Region(rect)
	defer center.Close()
	high := energy(center)

	return high / total
}

// gradientMean is the average Sobel gradient magnitude.
func gradientMean(gray gocv.Mat) float64 {
	gx := gocv.NewMat()
	defer gx.Close()
	gy := gocv.NewMat()
	defer gy.Close()
	gocv.Sobel(gray, &gx, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gy, gocv.MatTypeCV32F, 0, 1, 3, 1, 0, gocv.BorderDefault)

	mag := gocv.NewMat()
	defer mag.Close()
	gocv.Magnitude(gx, gy, &mag)

	return mag.Mean().Val1
}

func energy(m gocv.Mat) float64 {
	return m.Mean().Val1 * float64(m.Rows()*m.Cols())
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

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
