package capture

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Recorder persists raw captured frames to a video file on its own goroutine.
// It is strictly best-effort: a write failure logs once, stops recording, and
// never disturbs the capture or processing contexts.
type Recorder struct {
	log    *logrus.Entry
	path   string
	fps    float64
	frames chan gocv.Mat
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	failed bool
}

// NewRecorder creates a recorder writing MJPG to path. fps 0 falls back to 30.
func NewRecorder(path string, fps float64, log *logrus.Logger) *Recorder {
	if fps <= 0 {
		fps = 30
	}
	return &Recorder{
		log:    log.WithField("component", "recorder"),
		path:   path,
		fps:    fps,
		frames: make(chan gocv.Mat, 16),
	}
}

// Start launches the writer goroutine. The writer is opened lazily on the
// first frame so the dimensions are known.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	var writer *gocv.VideoWriter
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for mat := range r.frames {
		if writer == nil {
			var err error
			writer, err = gocv.VideoWriterFile(r.path, "MJPG", r.fps, mat.Cols(), mat.Rows(), true)
			if err != nil || !writer.IsOpened() {
				r.fail(fmt.Errorf("open video writer %s: %v", r.path, err))
				mat.Close()
				r.drain()
				return
			}
		}
		if err := writer.Write(mat); err != nil {
			r.fail(fmt.Errorf("write frame: %w", err))
			mat.Close()
			r.drain()
			return
		}
		mat.Close()
	}
}

// Submit hands a copy of the frame to the recorder. Non-blocking; frames are
// skipped when the writer cannot keep up.
func (r *Recorder) Submit(f *Frame) {
	r.mu.Lock()
	if r.closed || r.failed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	clone := f.Mat.Clone()
	select {
	case r.frames <- clone:
	default:
		clone.Close()
	}
}

// Stop flushes queued frames and closes the output file.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.frames)
	r.wg.Wait()
}

// Failed reports whether recording aborted due to a write error.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
	r.log.WithError(err).Warn("recording stopped; pipeline continues")
}

func (r *Recorder) drain() {
	for mat := range r.frames {
		mat.Close()
	}
}
