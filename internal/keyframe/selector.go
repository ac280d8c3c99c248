// Package keyframe decides which captured frames are worth full processing.
// Selection runs on the capture context, so every metric here has to stay
// cheap: frames are downsampled to a small grayscale thumbnail before any
// comparison.
package keyframe

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"pipescope/internal/capture"
	"pipescope/internal/config"
)

const thumbSize = 64

// Selector promotes frames to keyframes according to the configured strategy.
// Not safe for concurrent use; it lives on the capture goroutine.
type Selector struct {
	strategy config.KeyframeStrategy

	interval       int
	simThreshold   float64
	motionThresh   float64
	maxKeyframes   int
	selectedCount  int
	lastThumb      gocv.Mat
	haveLast       bool
	prevThumb      gocv.Mat // previous frame, selected or not (motion strategy)
	havePrev       bool
	nextIntervalAt uint64
}

// NewSelector builds a selector from validated options.
func NewSelector(opts *config.Options) *Selector {
	return &Selector{
		strategy:     opts.KeyframeStrategy,
		interval:     opts.KeyframeInterval,
		simThreshold: opts.SimilarityThreshold,
		motionThresh: opts.MotionThreshold,
		maxKeyframes: opts.MaxKeyframes,
		lastThumb:    gocv.NewMat(),
		prevThumb:    gocv.NewMat(),
	}
}

// Consider inspects f and returns a Keyframe when the frame is selected.
// The returned keyframe owns a clone of the frame's pixel buffer; the caller
// keeps ownership of f either way.
func (s *Selector) Consider(f *capture.Frame) (*capture.Keyframe, bool) {
	switch s.strategy {
	case config.StrategyInterval:
		return s.considerInterval(f)
	case config.StrategySimilarity:
		return s.considerSimilarity(f)
	case config.StrategyMotion:
		return s.considerMotion(f)
	}
	return nil, false
}

// SelectedCount reports how many keyframes have been promoted so far.
func (s *Selector) SelectedCount() int {
	return s.selectedCount
}

// Close releases retained thumbnails.
func (s *Selector) Close() {
	s.lastThumb.Close()
	s.prevThumb.Close()
}

func (s *Selector) considerInterval(f *capture.Frame) (*capture.Keyframe, bool) {
	// 0-based: frames 0, N, 2N, ... are selected.
	if f.Seq != s.nextIntervalAt {
		return nil, false
	}
	s.nextIntervalAt += uint64(s.interval)
	return s.promote(f, 1.0), true
}

func (s *Selector) considerSimilarity(f *capture.Frame) (*capture.Keyframe, bool) {
	thumb := thumbnail(f.Mat)

	if !s.haveLast {
		s.lastThumb.Close()
		s.lastThumb = thumb
		s.haveLast = true
		return s.promote(f, 0.0), true
	}

	sim := similarity(s.lastThumb, thumb)
	if sim >= s.simThreshold {
		thumb.Close()
		return nil, false
	}

	s.lastThumb.Close()
	s.lastThumb = thumb
	return s.promote(f, sim), true
}

func (s *Selector) considerMotion(f *capture.Frame) (*capture.Keyframe, bool) {
	thumb := thumbnail(f.Mat)

	if !s.havePrev {
		s.prevThumb.Close()
		s.prevThumb = thumb
		s.havePrev = true
		return nil, false
	}

	motion := motionMagnitude(s.prevThumb, thumb)
	s.prevThumb.Close()
	s.prevThumb = thumb

	// Selection requires the threshold to be strictly exceeded.
	if motion <= s.motionThresh {
		return nil, false
	}
	if s.selectedCount >= s.maxKeyframes {
		// Hard cap bounds memory for the session.
		return nil, false
	}
	return s.promote(f, motion), true
}

func (s *Selector) promote(f *capture.Frame, score float64) *capture.Keyframe {
	s.selectedCount++
	return &capture.Keyframe{
		Frame: capture.Frame{
			Mat:       f.Mat.Clone(),
			Seq:       f.Seq,
			Timestamp: f.Timestamp,
		},
		Strategy: string(s.strategy),
		Score:    score,
	}
}

// thumbnail converts a frame to a small grayscale square for cheap comparison.
func thumbnail(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}

	thumb := gocv.NewMat()
	gocv.Resize(gray, &thumb, image.Point{X: thumbSize, Y: thumbSize}, 0, 0, gocv.InterpolationArea)
	gray.Close()
	return thumb
}

// similarity returns 1 minus the normalized mean absolute difference, so 1.0
// means identical thumbnails.
func similarity(a, b gocv.Mat) float64 {
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a, b, &diff)

	mean := diff.Mean()
	return 1.0 - math.Min(mean.Val1/255.0, 1.0)
}

// motionMagnitude returns the mean absolute inter-frame difference in gray
// levels, a cheap stand-in for optical flow magnitude.
func motionMagnitude(prev, cur gocv.Mat) float64 {
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(prev, cur, &diff)
	return diff.Mean().Val1
}
