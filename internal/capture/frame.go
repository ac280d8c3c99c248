package capture

import (
	"time"

	"gocv.io/x/gocv"
)

// Frame is a single raw capture. The pixel buffer is owned by the capture
// context until the frame is discarded or promoted to a Keyframe; whoever
// holds a Frame last must Close it.
type Frame struct {
	Mat       gocv.Mat
	Seq       uint64
	Timestamp time.Time
}

// Close releases the native pixel buffer.
func (f *Frame) Close() {
	if f != nil && !f.Mat.Empty() {
		f.Mat.Close()
	}
}

// Keyframe is a Frame the selector promoted for full processing, annotated
// with the strategy that triggered selection and its numeric confidence.
// Ownership transfers to the processing context on publish.
type Keyframe struct {
	Frame
	Strategy string
	Score    float64
}
