package capture

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// ErrEndOfStream is returned by a FrameSource when no further frames will
// ever arrive (file exhausted, watcher closed). It is not a failure.
var ErrEndOfStream = errors.New("capture: end of stream")

// ErrSourceUnavailable wraps open failures and mid-session disconnects.
// The orchestrator treats it as session-fatal.
var ErrSourceUnavailable = errors.New("capture: source unavailable")

// FrameSource abstracts a camera or network stream. Next never blocks
// indefinitely; implementations enforce their own bounded read behavior.
type FrameSource interface {
	// Next returns the next frame with a fresh sequence number, or
	// ErrEndOfStream / ErrSourceUnavailable.
	Next() (*Frame, error)
	Close() error
}

// VideoSource reads from a device index, file, or stream URL through
// gocv.VideoCapture.
type VideoSource struct {
	cap      *gocv.VideoCapture
	buf      gocv.Mat
	seq      uint64
	failures int
}

// maxConsecutiveReadFailures bounds retries against a stalled device before
// the source is declared unavailable.
const maxConsecutiveReadFailures = 30

// OpenVideoSource opens source, which is either a decimal camera index or a
// path/URL understood by OpenCV.
func OpenVideoSource(source string) (*VideoSource, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(source); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else {
		cap, err = gocv.OpenVideoCapture(source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrSourceUnavailable, source, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: %q did not open", ErrSourceUnavailable, source)
	}

	return &VideoSource{cap: cap, buf: gocv.NewMat()}, nil
}

// Next reads the next frame. Device hiccups are retried a bounded number of
// times; a persistent stall escalates to ErrSourceUnavailable.
func (v *VideoSource) Next() (*Frame, error) {
	for {
		if ok := v.cap.Read(&v.buf); !ok || v.buf.Empty() {
			v.failures++
			if v.failures >= maxConsecutiveReadFailures {
				return nil, fmt.Errorf("%w: %d consecutive read failures",
					ErrSourceUnavailable, v.failures)
			}
			// A finished file reports not-opened; a live camera stays open.
			if !v.cap.IsOpened() {
				return nil, ErrEndOfStream
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		v.failures = 0

		f := &Frame{
			Mat:       v.buf.Clone(),
			Seq:       atomic.AddUint64(&v.seq, 1) - 1,
			Timestamp: time.Now(),
		}
		return f, nil
	}
}

// FrameSize reports the source dimensions, probing one frame if needed.
func (v *VideoSource) FrameSize() (width, height int) {
	return int(v.cap.Get(gocv.VideoCaptureFrameWidth)),
		int(v.cap.Get(gocv.VideoCaptureFrameHeight))
}

// FPS reports the source frame rate, or 0 when unknown.
func (v *VideoSource) FPS() float64 {
	return v.cap.Get(gocv.VideoCaptureFPS)
}

// Close releases the device.
func (v *VideoSource) Close() error {
	v.buf.Close()
	return v.cap.Close()
}
