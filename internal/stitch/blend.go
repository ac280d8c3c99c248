package stitch

import (
	"image"

	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

// blendOverlap merges the trailing canvas band with the leading strip band.
// Both inputs must share dimensions and type; the result is a new Mat the
// caller owns. The linear weighted seam is the default; the multi-resolution
// variant trades CPU for smoother low-frequency transitions.
func blendOverlap(canvasBand, stripBand gocv.Mat, method config.BlendMethod) gocv.Mat {
	if method == config.BlendMultiResolution {
		return pyramidBlend(canvasBand, stripBand)
	}
	return linearBlend(canvasBand, stripBand)
}

// linearBlend transitions the weight linearly across the overlap band:
// column 0 is all canvas, the last column all strip.
func linearBlend(canvasBand, stripBand gocv.Mat) gocv.Mat {
	out := canvasBand.Clone()
	cols := canvasBand.Cols()

	for x := 0; x < cols; x++ {
		alpha := float64(x+1) / float64(cols+1)

		rect := image.Rect(x, 0, x+1, canvasBand.Rows())
		cCol := canvasBand.Region(rect)
		sCol := stripBand.Region(rect)
		oCol := out.Region(rect)

		gocv.AddWeighted(cCol, 1-alpha, sCol, alpha, 0, &oCol)

		cCol.Close()
		sCol.Close()
		oCol.Close()
	}
	return out
}

const pyramidLevels = 3

// pyramidBlend performs a small Laplacian-pyramid blend. Each level mixes
// band-passed detail under a weight ramp blurred proportionally to the
// level's scale, which hides seams in both texture and illumination.
func pyramidBlend(canvasBand, stripBand gocv.Mat) gocv.Mat {
	a32 := gocv.NewMat()
	defer a32.Close()
	b32 := gocv.NewMat()
	defer b32.Close()
	canvasBand.ConvertTo(&a32, gocv.MatTypeCV32F)
	stripBand.ConvertTo(&b32, gocv.MatTypeCV32F)

	lapA, baseA := laplacianPyramid(a32)
	lapB, baseB := laplacianPyramid(b32)
	defer closeMats(lapA)
	defer closeMats(lapB)
	defer baseA.Close()
	defer baseB.Close()

	// Blend the residual base with the ramp, then collapse, re-adding
	// blended detail at each level.
	result := rampMix(baseA, baseB)
	for i := len(lapA) - 1; i >= 0; i-- {
		up := gocv.NewMat()
		gocv.Resize(result, &up, image.Point{X: lapA[i].Cols(), Y: lapA[i].Rows()}, 0, 0, gocv.InterpolationLinear)
		result.Close()

		detail := rampMix(lapA[i], lapB[i])
		gocv.Add(up, detail, &up)
		detail.Close()

		result = up
	}

	out := gocv.NewMat()
	result.ConvertTo(&out, canvasBand.Type())
	result.Close()
	return out
}

// laplacianPyramid returns the detail levels (finest first) and the residual
// low-pass base. Downsampling uses blur+resize so level sizes stay explicit.
func laplacianPyramid(src gocv.Mat) ([]gocv.Mat, gocv.Mat) {
	levels := make([]gocv.Mat, 0, pyramidLevels)
	current := src.Clone()

	for i := 0; i < pyramidLevels; i++ {
		if current.Cols() < 8 || current.Rows() < 8 {
			break
		}
		blurred := gocv.NewMat()
		gocv.GaussianBlur(current, &blurred, image.Point{X: 5, Y: 5}, 0, 0, gocv.BorderDefault)

		down := gocv.NewMat()
		gocv.Resize(blurred, &down, image.Point{X: current.Cols() / 2, Y: current.Rows() / 2}, 0, 0, gocv.InterpolationArea)

		up := gocv.NewMat()
		gocv.Resize(down, &up, image.Point{X: current.Cols(), Y: current.Rows()}, 0, 0, gocv.InterpolationLinear)

		detail := gocv.NewMat()
		gocv.Subtract(current, up, &detail)
		levels = append(levels, detail)

		blurred.Close()
		up.Close()
		current.Close()
		current = down
	}
	return levels, current
}

// rampMix blends two equally sized float Mats with a horizontal linear ramp.
func rampMix(a, b gocv.Mat) gocv.Mat {
	out := a.Clone()
	cols := a.Cols()
	for x := 0; x < cols; x++ {
		alpha := float64(x+1) / float64(cols+1)

		rect := image.Rect(x, 0, x+1, a.Rows())
		aCol := a.Region(rect)
		bCol := b.Region(rect)
		oCol := out.Region(rect)

		gocv.AddWeighted(aCol, 1-alpha, bCol, alpha, 0, &oCol)

		aCol.Close()
		bCol.Close()
		oCol.Close()
	}
	return out
}

func closeMats(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}
