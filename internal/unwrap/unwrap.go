// Package unwrap remaps the annular pipe-wall region of a frame into a
// rectangular strip: output columns span 0-360 degrees, output rows span the
// configured annulus between the inner and outer radius ratios.
package unwrap

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"pipescope/internal/config"
	"pipescope/internal/geometry"
)

// Strip is the rectangular unrolled wall section of exactly one keyframe.
// Its axial placement is decided later, at stitch time.
type Strip struct {
	Mat        gocv.Mat
	Seq        uint64
	AngleStart float64 // degrees
	AngleEnd   float64 // degrees
}

// Close releases the pixel buffer.
func (s *Strip) Close() {
	if s != nil && !s.Mat.Empty() {
		s.Mat.Close()
	}
}

// Unwrapper performs the polar-to-Cartesian remap.
type Unwrapper struct {
	outerRatio float64
	innerRatio float64
	angularRes int
	trim       int
}

// NewUnwrapper builds an unwrapper from validated options.
func NewUnwrapper(opts *config.Options) *Unwrapper {
	return &Unwrapper{
		outerRatio: opts.UnwrapOuterRadiusRatio,
		innerRatio: opts.UnwrapInnerRadiusRatio,
		angularRes: opts.AngularResolution,
		trim:       opts.TrimMargin,
	}
}

// Unwrap samples src along the annulus defined by circle and the configured
// ratios. Each output column is a fixed angle step, each output row a fixed
// radius step; bilinear interpolation happens inside the remap. The caller
// owns the returned strip.
func (u *Unwrapper) Unwrap(src gocv.Mat, circle geometry.Circle, seq uint64) (*Strip, error) {
	outer := circle.Radius * u.outerRatio
	inner := circle.Radius * u.innerRatio
	height := int(outer - inner)
	if height < 8 {
		return nil, fmt.Errorf("annulus too thin: %d rows from radius %.1f", height, circle.Radius)
	}
	width := u.angularRes

	mapX := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32F)
	defer mapX.Close()
	mapY := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32F)
	defer mapY.Close()

	for v := 0; v < height; v++ {
		r := inner + (outer-inner)*float64(v)/float64(height-1)
		for uu := 0; uu < width; uu++ {
			theta := 2 * math.Pi * float64(uu) / float64(width)
			mapX.SetFloatAt(v, uu, float32(circle.CenterX+r*math.Cos(theta)))
			mapY.SetFloatAt(v, uu, float32(circle.CenterY+r*math.Sin(theta)))
		}
	}

	unrolled := gocv.NewMat()
	gocv.Remap(src, &unrolled, &mapX, &mapY,
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	// Trim the distortion-prone extremes.
	strip, angleStart, angleEnd, err := u.trimmed(unrolled, width, height)
	unrolled.Close()
	if err != nil {
		return nil, err
	}

	return &Strip{
		Mat:        strip,
		Seq:        seq,
		AngleStart: angleStart,
		AngleEnd:   angleEnd,
	}, nil
}

func (u *Unwrapper) trimmed(m gocv.Mat, width, height int) (gocv.Mat, float64, float64, error) {
	t := u.trim
	if 2*t >= width || 2*t >= height {
		return gocv.NewMat(), 0, 0, fmt.Errorf("trim margin %d exceeds strip size %dx%d", t, width, height)
	}
	if t == 0 {
		return m.Clone(), 0, 360, nil
	}

	region := m.Region(image.Rect(t, t, width-t, height-t))
	defer region.Close()
	out := region.Clone()

	degPerCol := 360.0 / float64(width)
	return out, float64(t) * degPerCol, 360 - float64(t)*degPerCol, nil
}
