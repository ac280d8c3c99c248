package pipeline

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/capture"
	"pipescope/internal/config"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// syntheticSource emits drawn frames at a slow, steady rate. A negative
// frame budget makes it endless (until the capture context is cancelled).
type syntheticSource struct {
	budget int
	seq    uint64
	draw   func(seq uint64) gocv.Mat
}

func (s *syntheticSource) Next() (*capture.Frame, error) {
	if s.budget >= 0 && s.seq >= uint64(s.budget) {
		return nil, capture.ErrEndOfStream
	}
	time.Sleep(time.Millisecond)
	f := &capture.Frame{Mat: s.draw(s.seq), Seq: s.seq, Timestamp: time.Now()}
	s.seq++
	return f, nil
}

func (s *syntheticSource) Close() error { return nil }

// ringFrame draws a textured bright ring, enough structure for circle
// detection and feature matching.
func ringFrame(seq uint64) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 240, 320, gocv.MatTypeCV8UC3)
	gocv.Circle(&m, image.Point{X: 160, Y: 120}, 80, color.RGBA{R: 210, G: 210, B: 210}, 8)

	rng := rand.New(rand.NewSource(int64(seq)))
	for i := 0; i < 200; i++ {
		x := 160 + rng.Intn(140) - 70
		y := 120 + rng.Intn(140) - 70
		v := uint8(rng.Intn(255))
		gocv.Circle(&m, image.Point{X: x, Y: y}, 1, color.RGBA{R: v, G: v, B: v}, -1)
	}
	return m
}

func blankFrame(uint64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(60, 60, 60, 0), 240, 320, gocv.MatTypeCV8UC3)
}

func withSource(t *testing.T, src capture.FrameSource) {
	t.Helper()
	orig := openSource
	openSource = func(string) (capture.FrameSource, error) { return src, nil }
	t.Cleanup(func() { openSource = orig })
}

func testOptions(t *testing.T) *config.Options {
	opts := config.Default()
	opts.Source = "synthetic"
	opts.OutputDir = t.TempDir()
	opts.KeyframeStrategy = config.StrategyInterval
	opts.KeyframeInterval = 10
	opts.AngularResolution = 180
	opts.BlurThreshold = 1 // keep the heavy restoration out of the loop
	opts.ConfidenceThreshold = 0.2
	return opts
}

func TestSessionEndToEnd(t *testing.T) {
	withSource(t, &syntheticSource{budget: 40, draw: ringFrame})
	opts := testOptions(t)

	orch := New(quietLogger(), nil)
	if err := orch.Configure(opts); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	orch.Wait()

	prog := orch.GetProgress()
	if prog.State != StateFinished {
		t.Fatalf("state = %q, error = %q", prog.State, prog.Error)
	}
	if prog.FramesSeen != 40 {
		t.Fatalf("frames seen = %d, want 40", prog.FramesSeen)
	}
	if prog.KeyframesSelected != 4 {
		t.Fatalf("keyframes = %d, want 4", prog.KeyframesSelected)
	}
	if prog.StripsStitched == 0 {
		t.Fatal("no strips stitched")
	}

	// Every selected keyframe is accounted for: stitched or dropped.
	var dropped uint64
	for _, n := range prog.Drops {
		dropped += n
	}
	if prog.StripsStitched+dropped != prog.KeyframesSelected {
		t.Fatalf("stitched %d + dropped %d != selected %d",
			prog.StripsStitched, dropped, prog.KeyframesSelected)
	}

	if prog.PanoramaPath == "" {
		t.Fatal("no panorama persisted")
	}
	if _, err := os.Stat(prog.PanoramaPath); err != nil {
		t.Fatalf("panorama file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(prog.PanoramaPath), "session.json")); err != nil {
		t.Fatalf("manifest: %v", err)
	}

	// Multiple strips must widen the panorama beyond one strip.
	if prog.StripsStitched > 1 {
		pano := gocv.IMRead(prog.PanoramaPath, gocv.IMReadColor)
		defer pano.Close()
		stripW := opts.AngularResolution - 2*opts.TrimMargin
		if pano.Cols() <= stripW {
			t.Fatalf("panorama width %d not wider than a single strip %d", pano.Cols(), stripW)
		}
	}
}

func TestSessionDegradesWithoutCircles(t *testing.T) {
	withSource(t, &syntheticSource{budget: 30, draw: blankFrame})
	opts := testOptions(t)
	opts.ConfidenceThreshold = 0.6

	orch := New(quietLogger(), nil)
	if err := orch.Configure(opts); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	orch.Wait()

	prog := orch.GetProgress()
	if prog.State != StateFinished {
		t.Fatalf("state = %q, error = %q", prog.State, prog.Error)
	}
	if prog.StripsStitched != 0 {
		t.Fatalf("blank frames produced %d strips", prog.StripsStitched)
	}
	if prog.Drops[DropLowConfidence] == 0 {
		t.Fatalf("expected low-confidence drops, got %v", prog.Drops)
	}
}

func TestDroppedKeyframesDoNotBlockLaterStrips(t *testing.T) {
	// The first half of the stream has no detectable circle; those keyframes
	// are dropped and must not hold back strips from the second half.
	draw := func(seq uint64) gocv.Mat {
		if seq < 20 {
			return blankFrame(seq)
		}
		return ringFrame(seq)
	}
	withSource(t, &syntheticSource{budget: 40, draw: draw})
	opts := testOptions(t)
	opts.ConfidenceThreshold = 0.5

	orch := New(quietLogger(), nil)
	if err := orch.Configure(opts); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	orch.Wait()

	prog := orch.GetProgress()
	if prog.State != StateFinished {
		t.Fatalf("state = %q, error = %q", prog.State, prog.Error)
	}
	if prog.Drops[DropLowConfidence] == 0 {
		t.Fatalf("expected low-confidence drops, got %v", prog.Drops)
	}
	if prog.StripsStitched == 0 {
		t.Fatal("strips after the dropped keyframes were never stitched")
	}
}

func TestStopIsBoundedAndIdempotent(t *testing.T) {
	withSource(t, &syntheticSource{budget: -1, draw: ringFrame})
	opts := testOptions(t)

	orch := New(quietLogger(), nil)
	if err := orch.Configure(opts); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	if err := orch.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > stopTimeout {
		t.Fatalf("stop took %v", elapsed)
	}

	// Second stop is a no-op.
	if err := orch.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	prog := orch.GetProgress()
	if prog.State != StateFinished {
		t.Fatalf("state = %q after stop", prog.State)
	}
}

func TestConfigureRejectsWhileRunning(t *testing.T) {
	withSource(t, &syntheticSource{budget: -1, draw: blankFrame})
	opts := testOptions(t)

	orch := New(quietLogger(), nil)
	if err := orch.Configure(opts); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	if err := orch.Configure(opts); err != ErrAlreadyRunning {
		t.Fatalf("configure while running: %v", err)
	}
	if err := orch.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("start while running: %v", err)
	}
}

func TestStartFailsOnInvalidOptions(t *testing.T) {
	orch := New(quietLogger(), nil)
	opts := config.Default()
	opts.Source = ""
	if err := orch.Configure(opts); err == nil {
		t.Fatal("invalid options must not configure")
	}
	if err := orch.Start(context.Background()); err == nil {
		t.Fatal("unconfigured start must fail")
	}
}

func TestProgressIdleBeforeStart(t *testing.T) {
	orch := New(quietLogger(), nil)
	prog := orch.GetProgress()
	if prog.State != StateIdle {
		t.Fatalf("state = %q, want idle", prog.State)
	}
}
