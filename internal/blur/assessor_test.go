package blur

import (
	"image"
	"math/rand"
	"testing"

	"gocv.io/x/gocv"
)

// texturedImage builds a high-detail grayscale test pattern: random speckle
// over a checkerboard, plenty of edges and high-frequency content.
func texturedImage(rows, cols int) gocv.Mat {
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	rng := rand.New(rand.NewSource(7))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := uint8(rng.Intn(64))
			if (x/8+y/8)%2 == 0 {
				v += 160
			}
			m.SetUCharAt(y, x, v)
		}
	}
	return m
}

func TestSharpScoresAboveBlurred(t *testing.T) {
	sharp := texturedImage(128, 128)
	defer sharp.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(sharp, &blurred, image.Point{X: 15, Y: 15}, 5, 5, gocv.BorderDefault)

	sharpScore := Assess(sharp)
	blurScore := Assess(blurred)

	// Higher composite means more blur.
	if blurScore.Composite <= sharpScore.Composite {
		t.Fatalf("blurred composite %.3f should exceed sharp %.3f",
			blurScore.Composite, sharpScore.Composite)
	}
	if sharpScore.EdgeDensity <= blurScore.EdgeDensity {
		t.Fatalf("sharp edge density %.3f should exceed blurred %.3f",
			sharpScore.EdgeDensity, blurScore.EdgeDensity)
	}
}

func TestCompositeBounds(t *testing.T) {
	img := texturedImage(96, 96)
	defer img.Close()

	s := Assess(img)
	if s.Composite < 0 || s.Composite > 1 {
		t.Fatalf("composite = %g outside [0,1]", s.Composite)
	}
	if s.EdgeDensity < 0 || s.EdgeDensity > 1 {
		t.Fatalf("edge density = %g outside [0,1]", s.EdgeDensity)
	}
	if s.HighFreq < 0 || s.HighFreq > 1 {
		t.Fatalf("high-freq ratio = %g outside [0,1]", s.HighFreq)
	}
}

func TestFlatImageScoresAsFullyBlurred(t *testing.T) {
	flat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 0, 0, 0), 96, 96, gocv.MatTypeCV8U)
	defer flat.Close()

	// No edges, no gradients, no high frequencies: maximal blur score.
	s := Assess(flat)
	if s.Composite < 0.8 {
		t.Fatalf("flat image composite %.3f, want near one", s.Composite)
	}
}
