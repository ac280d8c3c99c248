package imgio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

func testWriter(t *testing.T, intermediate bool) *Writer {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	opts := config.Default()
	opts.OutputDir = t.TempDir()
	opts.SaveIntermediate = intermediate

	w, err := NewWriter(opts, "0123456789abcdef", log)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func TestWritePanorama(t *testing.T) {
	w := testWriter(t, false)

	img := gocv.NewMatWithSize(16, 32, gocv.MatTypeCV8UC3)
	defer img.Close()

	path, err := w.WritePanorama(img, "panorama.png")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("panorama file: %v", err)
	}
	if w.Failures() != 0 {
		t.Fatalf("failures = %d", w.Failures())
	}
}

func TestFailedWritesAreCounted(t *testing.T) {
	w := testWriter(t, true)

	empty := gocv.NewMat()
	defer empty.Close()

	if _, err := w.WritePanorama(empty, "panorama.png"); err == nil {
		t.Fatal("empty image must not write")
	}
	if w.Failures() != 1 {
		t.Fatalf("failures = %d, want 1", w.Failures())
	}

	// Intermediate failures never propagate, but they are still counted so
	// the session can be marked degraded.
	w.WriteIntermediate(DirStrips, 3, empty)
	if w.Failures() != 2 {
		t.Fatalf("failures = %d, want 2", w.Failures())
	}
}

func TestIntermediatesDisabledSkipsWrite(t *testing.T) {
	w := testWriter(t, false)

	img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer img.Close()
	w.WriteIntermediate(DirKeyframes, 0, img)

	if w.Failures() != 0 {
		t.Fatalf("failures = %d", w.Failures())
	}
	if _, err := os.Stat(filepath.Join(w.Root(), DirKeyframes, "000000.png")); !os.IsNotExist(err) {
		t.Fatalf("intermediate written despite being disabled: %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	w := testWriter(t, false)

	if err := w.WriteManifest(map[string]int{"strips": 7}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(w.Root(), "session.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty manifest")
	}
}
