// Package deblur restores sharpness on frames whose blur score exceeds the
// configured threshold. Two interchangeable methods are provided: a fast
// frequency-domain Wiener deconvolution and a slower iterative
// Richardson-Lucy refinement. The iterative path carries a divergence guard
// that falls back to the frequency-domain method for the affected frame, so
// invalid pixel data never travels downstream.
package deblur

import (
	"image"
	"image/color"
	"math"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

const (
	// Assumed defocus kernel. The borescope optics produce a roughly
	// Gaussian point-spread function; its width is fixed per session.
	psfSize  = 9
	psfSigma = 2.0

	// Wiener regularization; controls noise amplification.
	wienerK = 0.002

	epsilon = 1e-6
)

// Result is a restored image plus the metadata needed to reproduce it.
type Result struct {
	Mat        gocv.Mat
	Method     config.DeblurMethod
	Iterations int
	FellBack   bool
}

// Engine applies the configured restoration method.
type Engine struct {
	method     config.DeblurMethod
	iterations int
	log        *logrus.Entry

	psf gocv.Mat // normalized 2D Gaussian, CV32F
}

// NewEngine builds an engine from validated options.
func NewEngine(opts *config.Options, log *logrus.Logger) *Engine {
	return &Engine{
		method:     opts.DeblurMethod,
		iterations: opts.IterativeIterations,
		log:        log.WithField("component", "deblur"),
		psf:        gaussianPSF(psfSize, psfSigma),
	}
}

// Close releases the kernel.
func (e *Engine) Close() {
	e.psf.Close()
}

// Restore deblurs src (any channel count; processed as grayscale) and returns
// a new Mat of the same dimensions. The caller owns both Mats.
func (e *Engine) Restore(src gocv.Mat) Result {
	gray := toGray(src)
	defer gray.Close()

	if e.method == config.DeblurIterative {
		restored, ok := e.richardsonLucy(gray)
		if ok {
			return Result{Mat: restored, Method: config.DeblurIterative, Iterations: e.iterations}
		}
		restored.Close()
		e.log.Warn("iterative restoration diverged, falling back to frequency domain")
		return Result{
			Mat:      e.wiener(gray),
			Method:   config.DeblurFrequencyDomain,
			FellBack: true,
		}
	}

	return Result{Mat: e.wiener(gray), Method: config.DeblurFrequencyDomain}
}

// wiener performs frequency-domain deconvolution with a known-shape Gaussian
// kernel and Tikhonov-style regularization.
func (e *Engine) wiener(gray gocv.Mat) gocv.Mat {
	rows := gocv.GetOptimalDFTSize(gray.Rows())
	cols := gocv.GetOptimalDFTSize(gray.Cols())

	padded := gocv.NewMat()
	defer padded.Close()
	f32 := gocv.NewMat()
	defer f32.Close()
	gray.ConvertTo(&f32, gocv.MatTypeCV32F)
	gocv.CopyMakeBorder(f32, &padded, 0, rows-gray.Rows(), 0, cols-gray.Cols(),
		gocv.BorderConstant, color.RGBA{})

	// PSF laid out in wrap-around order so no spectrum shift is needed.
	psfPadded := wrapPSF(e.psf, rows, cols)
	defer psfPadded.Close()

	gSpec := gocv.NewMat()
	defer gSpec.Close()
	hSpec := gocv.NewMat()
	defer hSpec.Close()
	gocv.DFT(padded, &gSpec, gocv.DftComplexOutput)
	gocv.DFT(psfPadded, &hSpec, gocv.DftComplexOutput)

	gp := gocv.Split(gSpec)
	hp := gocv.Split(hSpec)
	defer closeAll(gp)
	defer closeAll(hp)

	// F = G * conj(H) / (|H|^2 + K), done per plane:
	//   Fr = (Gr*Hr + Gi*Hi) / D,  Fi = (Gi*Hr - Gr*Hi) / D
	d := gocv.NewMat()
	defer d.Close()
	tmp := gocv.NewMat()
	defer tmp.Close()
	gocv.Multiply(hp[0], hp[0], &d)
	gocv.Multiply(hp[1], hp[1], &tmp)
	gocv.Add(d, tmp, &d)
	d.AddFloat(wienerK)

	fr := gocv.NewMat()
	defer fr.Close()
	fi := gocv.NewMat()
	defer fi.Close()

	gocv.Multiply(gp[0], hp[0], &fr)
	gocv.Multiply(gp[1], hp[1], &tmp)
	gocv.Add(fr, tmp, &fr)
	gocv.Divide(fr, d, &fr)

	gocv.Multiply(gp[1], hp[0], &fi)
	gocv.Multiply(gp[0], hp[1], &tmp)
	gocv.Subtract(fi, tmp, &fi)
	gocv.Divide(fi, d, &fi)

	fSpec := gocv.NewMat()
	defer fSpec.Close()
	gocv.Merge([]gocv.Mat{fr, fi}, &fSpec)

	restored := gocv.NewMat()
	defer restored.Close()
	gocv.DFT(fSpec, &restored, gocv.DftInverse|gocv.DftScale|gocv.DftRealOutput)

	cropped := restored.Region(image.Rect(0, 0, gray.Cols(), gray.Rows()))
	defer cropped.Close()

	out := gocv.NewMat()
	cropped.ConvertTo(&out, gocv.MatTypeCV8U)
	return out
}

// richardsonLucy runs the multiplicative update for the configured iteration
// count. The second return value is false when the estimate diverged.
func (e *Engine) richardsonLucy(gray gocv.Mat) (gocv.Mat, bool) {
	observed := gocv.NewMat()
	defer observed.Close()
	gray.ConvertTo(&observed, gocv.MatTypeCV32F)
	observed.AddFloat(epsilon)

	estimate := observed.Clone()

	conv := gocv.NewMat()
	defer conv.Close()
	ratio := gocv.NewMat()
	defer ratio.Close()
	corr := gocv.NewMat()
	defer corr.Close()

	anchor := image.Point{X: -1, Y: -1}
	for i := 0; i < e.iterations; i++ {
		gocv.Filter2D(estimate, &conv, -1, e.psf, anchor, 0, gocv.BorderReflect101)
		conv.AddFloat(epsilon)
		gocv.Divide(observed, conv, &ratio)
		// The Gaussian PSF is symmetric, so correlation and convolution
		// share the same kernel.
		gocv.Filter2D(ratio, &corr, -1, e.psf, anchor, 0, gocv.BorderReflect101)
		gocv.Multiply(estimate, corr, &estimate)
	}

	if !statsValid(estimate) {
		estimate.Close()
		return gocv.NewMat(), false
	}

	out := gocv.NewMat()
	estimate.ConvertTo(&out, gocv.MatTypeCV8U)
	estimate.Close()
	return out, true
}

// statsValid is the divergence guard: the estimate must carry finite pixel
// statistics inside the plausible intensity range.
func statsValid(m gocv.Mat) bool {
	mean := m.Mean().Val1
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return false
	}
	if mean < 1 || mean > 254 {
		return false
	}
	minVal, maxVal, _, _ := gocv.MinMaxLoc(m)
	if math.IsNaN(float64(minVal)) || math.IsNaN(float64(maxVal)) {
		return false
	}
	// A diverged multiplicative update blows up by orders of magnitude.
	return float64(maxVal) < 16*255 && float64(minVal) > -255
}

// gaussianPSF builds a normalized 2D Gaussian kernel.
func gaussianPSF(size int, sigma float64) gocv.Mat {
	psf := gocv.NewMatWithSize(size, size, gocv.MatTypeCV32F)
	c := float64(size / 2)
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			psf.SetFloatAt(y, x, float32(v))
			sum += v
		}
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			psf.SetFloatAt(y, x, float32(float64(psf.GetFloatAt(y, x))/sum))
		}
	}
	return psf
}

// wrapPSF embeds the kernel into a rows x cols plane with its peak at (0,0)
// and quadrants wrapped, matching the DFT's unshifted layout.
func wrapPSF(psf gocv.Mat, rows, cols int) gocv.Mat {
	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	half := psf.Rows() / 2
	for y := 0; y < psf.Rows(); y++ {
		for x := 0; x < psf.Cols(); x++ {
			ty := (y - half + rows) % rows
			tx := (x - half + cols) % cols
			out.SetFloatAt(ty, tx, psf.GetFloatAt(y, x))
		}
	}
	return out
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

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}
