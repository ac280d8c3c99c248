// Package imgio persists session artifacts: the panorama, optional
// intermediate images, and the session manifest. Writes are best effort with
// a single retry; a failed write degrades the session instead of aborting it.
package imgio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

// Subdirectories for intermediate artifacts.
const (
	DirKeyframes = "keyframes"
	DirDeblurred = "deblurred"
	DirStrips    = "strips"
	DirStitch    = "stitch"
)

// Writer manages one session's output directory.
type Writer struct {
	root         string
	format       config.OutputFormat
	intermediate bool
	log          *logrus.Entry

	failures int
}

// NewWriter creates a timestamped session directory under the configured
// output root and, when intermediates are enabled, the stage subdirectories.
func NewWriter(opts *config.Options, sessionID string, log *logrus.Logger) (*Writer, error) {
	dir := filepath.Join(opts.OutputDir,
		fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), sessionID[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	w := &Writer{
		root:         dir,
		format:       opts.OutputFormat,
		intermediate: opts.SaveIntermediate,
		log:          log.WithField("component", "imgio"),
	}

	if w.intermediate {
		for _, sub := range []string{DirKeyframes, DirDeblurred, DirStrips, DirStitch} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
				return nil, fmt.Errorf("create %s dir: %w", sub, err)
			}
		}
	}
	return w, nil
}

// Root returns the session directory.
func (w *Writer) Root() string {
	return w.root
}

// Failures counts writes that failed even after the retry.
func (w *Writer) Failures() int {
	return w.failures
}

// WritePanorama persists the final panorama in the configured format.
func (w *Writer) WritePanorama(img gocv.Mat, name string) (string, error) {
	path := filepath.Join(w.root, name)
	if err := w.write(path, img); err != nil {
		return "", err
	}
	return path, nil
}

// WriteIntermediate saves a stage artifact when intermediates are enabled.
// Failures are logged and counted but never propagated.
func (w *Writer) WriteIntermediate(sub string, seq uint64, img gocv.Mat) {
	if !w.intermediate {
		return
	}
	path := filepath.Join(w.root, sub, fmt.Sprintf("%06d.%s", seq, w.format))
	if err := w.write(path, img); err != nil {
		w.log.WithError(err).WithField("path", path).Warn("intermediate write failed")
	}
}

// WriteManifest serializes the session manifest as indented JSON.
func (w *Writer) WriteManifest(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.root, "session.json"), data, 0o644)
}

// write encodes the image with one retry on failure.
func (w *Writer) write(path string, img gocv.Mat) error {
	if img.Empty() {
		w.failures++
		return fmt.Errorf("refusing to write empty image to %s", path)
	}
	if gocv.IMWrite(path, img) {
		return nil
	}
	w.log.WithField("path", path).Warn("image write failed, retrying")
	if gocv.IMWrite(path, img) {
		return nil
	}
	w.failures++
	return fmt.Errorf("write %s failed after retry", path)
}
