package stitch

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"pipescope/internal/config"
)

// ErrFinalized is returned when a strip arrives after Finalize.
var ErrFinalized = errors.New("stitch: canvas already finalized")

// SeamMeta records, per appended strip, where and how it was joined.
type SeamMeta struct {
	Seq           uint64             `json:"seq"`
	SeamX         int                `json:"seam_x"`
	Overlap       int                `json:"overlap"`
	BlendMethod   config.BlendMethod `json:"blend_method"`
	Confidence    float64            `json:"confidence"`
	FallbackUsed  bool               `json:"fallback_used"`
	InlierMatches int                `json:"inlier_matches"`
}

// Canvas is the single accumulating panorama. Width grows monotonically;
// content is never rewritten except by appending across the seam band. Only
// the processing context touches it while a strip is in flight.
type Canvas struct {
	mat       gocv.Mat
	seams     []SeamMeta
	finalized bool
}

// NewCanvas returns an empty canvas; the first appended strip bootstraps it.
func NewCanvas() *Canvas {
	return &Canvas{mat: gocv.NewMat()}
}

// Empty reports whether any strip has been appended.
func (c *Canvas) Empty() bool {
	return c.mat.Empty()
}

// Width returns the current panorama width in pixels.
func (c *Canvas) Width() int {
	if c.mat.Empty() {
		return 0
	}
	return c.mat.Cols()
}

// Height returns the canvas height, fixed by the first strip.
func (c *Canvas) Height() int {
	if c.mat.Empty() {
		return 0
	}
	return c.mat.Rows()
}

// Seams returns the per-strip seam metadata in append order.
func (c *Canvas) Seams() []SeamMeta {
	out := make([]SeamMeta, len(c.seams))
	copy(out, c.seams)
	return out
}

// TrailingBand returns a clone of the last width columns, used as the
// registration reference. The caller owns the returned Mat.
func (c *Canvas) TrailingBand(width int) gocv.Mat {
	if width > c.mat.Cols() {
		width = c.mat.Cols()
	}
	region := c.mat.Region(image.Rect(c.mat.Cols()-width, 0, c.mat.Cols(), c.mat.Rows()))
	defer region.Close()
	return region.Clone()
}

// Bootstrap installs the first strip verbatim.
func (c *Canvas) Bootstrap(strip gocv.Mat, meta SeamMeta) error {
	if c.finalized {
		return ErrFinalized
	}
	if !c.mat.Empty() {
		return errors.New("stitch: canvas already bootstrapped")
	}
	c.mat = strip.Clone()
	meta.SeamX = 0
	meta.Overlap = 0
	c.seams = append(c.seams, meta)
	return nil
}

// Append joins strip to the right edge with the given effective overlap,
// blending across the seam band. The strip must match the canvas height.
func (c *Canvas) Append(strip gocv.Mat, overlap int, meta SeamMeta) error {
	if c.finalized {
		return ErrFinalized
	}
	if c.mat.Empty() {
		return c.Bootstrap(strip, meta)
	}
	if strip.Rows() != c.mat.Rows() {
		return fmt.Errorf("stitch: strip height %d != canvas height %d", strip.Rows(), c.mat.Rows())
	}
	if overlap < 1 {
		overlap = 1
	}
	if overlap >= strip.Cols() {
		overlap = strip.Cols() - 1
	}
	if overlap > c.mat.Cols() {
		overlap = c.mat.Cols()
	}

	oldW := c.mat.Cols()
	newW := oldW + strip.Cols() - overlap
	h := c.mat.Rows()

	canvasBand := c.mat.Region(image.Rect(oldW-overlap, 0, oldW, h))
	stripBand := strip.Region(image.Rect(0, 0, overlap, h))
	blended := blendOverlap(canvasBand, stripBand, meta.BlendMethod)
	canvasBand.Close()
	stripBand.Close()
	defer blended.Close()

	grown := gocv.NewMatWithSize(h, newW, c.mat.Type())

	// Existing content up to the seam band.
	dst := grown.Region(image.Rect(0, 0, oldW-overlap, h))
	src := c.mat.Region(image.Rect(0, 0, oldW-overlap, h))
	src.CopyTo(&dst)
	src.Close()
	dst.Close()

	// Blended seam band.
	dst = grown.Region(image.Rect(oldW-overlap, 0, oldW, h))
	blended.CopyTo(&dst)
	dst.Close()

	// New content past the overlap.
	dst = grown.Region(image.Rect(oldW, 0, newW, h))
	src = strip.Region(image.Rect(overlap, 0, strip.Cols(), h))
	src.CopyTo(&dst)
	src.Close()
	dst.Close()

	c.mat.Close()
	c.mat = grown

	meta.SeamX = oldW - overlap
	meta.Overlap = overlap
	c.seams = append(c.seams, meta)
	return nil
}

// Finalize freezes the canvas. Idempotent.
func (c *Canvas) Finalize() {
	c.finalized = true
}

// Image returns a clone of the panorama; the caller owns it.
func (c *Canvas) Image() gocv.Mat {
	return c.mat.Clone()
}

// Close releases the pixel buffer.
func (c *Canvas) Close() {
	if !c.mat.Empty() {
		c.mat.Close()
	}
}

// OrderedQueue releases values in dense index order: a value pushed with a
// later index is held until every predecessor has been pushed (or released).
// It backs the strict ascending-sequence append guarantee when stage
// execution completes out of order.
type OrderedQueue[T any] struct {
	next  uint64
	items map[uint64]T
}

// NewOrderedQueue starts releasing at index 0.
func NewOrderedQueue[T any]() *OrderedQueue[T] {
	return &OrderedQueue[T]{items: make(map[uint64]T)}
}

// Push stores v under idx and returns every value that is now releasable, in
// order. Pushing the next expected index releases it immediately along with
// any directly following held values.
func (q *OrderedQueue[T]) Push(idx uint64, v T) []T {
	q.items[idx] = v

	var ready []T
	for {
		item, ok := q.items[q.next]
		if !ok {
			break
		}
		delete(q.items, q.next)
		ready = append(ready, item)
		q.next++
	}
	return ready
}

// Skip marks idx as never arriving (e.g. the strip was dropped mid-stage)
// and returns values unblocked by the skip.
func (q *OrderedQueue[T]) Skip(idx uint64) []T {
	if idx == q.next {
		q.next++
	}
	var ready []T
	for {
		item, ok := q.items[q.next]
		if !ok {
			break
		}
		delete(q.items, q.next)
		ready = append(ready, item)
		q.next++
	}
	return ready
}

// Pending reports how many values are held waiting for predecessors.
func (q *OrderedQueue[T]) Pending() int {
	return len(q.items)
}
