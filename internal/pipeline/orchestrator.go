// Package pipeline coordinates the reconstruction stages: frame acquisition
// and keyframe selection run on a capture goroutine, the heavy restoration,
// unwrapping, and stitching stages run on a processing goroutine, and the two
// communicate through a latest-wins mailbox.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"pipescope/internal/blur"
	"pipescope/internal/capture"
	"pipescope/internal/config"
	"pipescope/internal/deblur"
	"pipescope/internal/geometry"
	"pipescope/internal/imgio"
	"pipescope/internal/keyframe"
	"pipescope/internal/stitch"
	"pipescope/internal/store"
	"pipescope/internal/unwrap"
)

// stopTimeout bounds how long Stop waits for in-flight work to drain.
const stopTimeout = 15 * time.Second

// ErrAlreadyRunning is returned by Start while a session is active.
var ErrAlreadyRunning = errors.New("pipeline: session already running")

// ErrStopTimeout is returned when a session does not drain within the bound.
var ErrStopTimeout = errors.New("pipeline: stop timed out")

// Orchestrator owns the session lifecycle. Configure and Start validate and
// launch; Stop is idempotent and bounded; GetProgress is safe from any
// goroutine.
type Orchestrator struct {
	log  *logrus.Logger
	hist *store.Store

	mu     sync.Mutex
	opts   *config.Options
	sess   *session
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. The history store may be nil.
func New(log *logrus.Logger, hist *store.Store) *Orchestrator {
	return &Orchestrator{log: log, hist: hist}
}

// Configure installs validated options for the next session. It fails while
// a session is running; options are immutable once started.
func (o *Orchestrator) Configure(opts *config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running() {
		return ErrAlreadyRunning
	}
	copied := *opts
	o.opts = &copied
	return nil
}

// Start validates state, opens the source, and launches the session
// goroutines. A source that cannot be opened fails Start synchronously.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running() {
		return ErrAlreadyRunning
	}
	if o.opts == nil {
		return errors.New("pipeline: not configured")
	}

	src, err := openSource(o.opts.Source)
	if err != nil {
		return err
	}

	sess := newSession()
	writer, err := imgio.NewWriter(o.opts, sess.id, o.log)
	if err != nil {
		src.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.sess = sess
	o.cancel = cancel
	o.done = make(chan struct{})

	if o.hist != nil {
		if err := o.hist.BeginSession(runCtx, sess.id, o.opts.Source,
			string(o.opts.KeyframeStrategy), sess.startedAt); err != nil {
			o.log.WithError(err).Warn("history insert failed")
		}
	}

	opts := o.opts
	done := o.done
	go o.run(runCtx, opts, sess, src, writer, done)

	o.log.WithFields(logrus.Fields{
		"session": sess.id,
		"source":  opts.Source,
	}).Info("session started")
	return nil
}

// Stop cancels the running session and waits, bounded, for the panorama and
// manifest to be persisted. Calling Stop with no session running is a no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	if o.sess != nil {
		o.sess.mu.Lock()
		if o.sess.state == StateRunning {
			o.sess.state = StateStopping
		}
		o.sess.mu.Unlock()
	}
	o.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return ErrStopTimeout
	}
}

// GetProgress returns a snapshot of the current (or last) session.
func (o *Orchestrator) GetProgress() Progress {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return Progress{State: StateIdle, Drops: map[string]uint64{}}
	}
	return sess.snapshot()
}

// Wait blocks until the current session finishes. It returns immediately
// when nothing is running.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) running() bool {
	if o.done == nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// run owns the whole session: it wires the stages, supervises both
// goroutines, and persists the terminal artifacts exactly once.
func (o *Orchestrator) run(ctx context.Context, opts *config.Options,
	sess *session, src capture.FrameSource, writer *imgio.Writer, done chan struct{}) {
	defer close(done)

	mb := capture.NewMailbox()
	sess.setDropSource(mb.Drops)
	sel := keyframe.NewSelector(opts)
	defer sel.Close()

	var rec *capture.Recorder
	if opts.RecordRaw {
		fps := 30.0
		if vs, ok := src.(*capture.VideoSource); ok {
			fps = vs.FPS()
		}
		rec = capture.NewRecorder(filepath.Join(writer.Root(), "raw.avi"), fps, o.log)
		rec.Start()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.captureLoop(ctx, opts, sess, src, sel, mb, rec)
		mb.Close()
	}()

	proc := newProcessor(opts, sess, writer, o.hist, o.log)
	proc.loop(mb)
	proc.close()

	wg.Wait()
	src.Close()
	if rec != nil {
		rec.Stop()
	}

	o.finalize(opts, sess, writer, proc)
}

// captureLoop pulls frames, runs the cheap selector, and publishes keyframes.
func (o *Orchestrator) captureLoop(ctx context.Context, opts *config.Options,
	sess *session, src capture.FrameSource, sel *keyframe.Selector,
	mb *capture.Mailbox, rec *capture.Recorder) {

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := src.Next()
		if errors.Is(err, capture.ErrEndOfStream) {
			o.log.Info("source drained")
			return
		}
		if err != nil {
			sess.fail(err)
			o.log.WithError(err).Error("capture aborted")
			return
		}

		sess.framesSeen.Add(1)
		if rec != nil {
			rec.Submit(f)
		}

		if kf, ok := sel.Consider(f); ok {
			sess.keyframes.Add(1)
			mb.Publish(kf)
		}
		f.Close()
	}
}

// finalize persists the panorama, manifest, and history row. Degraded
// sessions (fallback placements, dropped frames) still produce artifacts.
func (o *Orchestrator) finalize(opts *config.Options, sess *session,
	writer *imgio.Writer, proc *processor) {

	canvas := proc.engine.Canvas()
	canvas.Finalize()

	var panoramaPath string
	if !canvas.Empty() {
		img := canvas.Image()
		path, err := writer.WritePanorama(img, opts.PanoramaFilename())
		img.Close()
		if err != nil {
			o.log.WithError(err).Error("panorama write failed")
			sess.degrade(fmt.Sprintf("persist panorama: %v", err))
		} else {
			panoramaPath = path
			sess.setPanorama(path)
		}
	}

	// Persistence failures degrade the session rather than failing it; the
	// count and a marker travel in the manifest.
	if n := writer.Failures(); n > 0 {
		sess.countDrop(DropWriteError, uint64(n))
		sess.degrade(fmt.Sprintf("%d artifact writes failed after retry", n))
	}

	sess.mu.Lock()
	if sess.state != StateFailed {
		sess.state = StateFinished
	}
	sess.mu.Unlock()

	prog := sess.snapshot()
	manifest := Manifest{
		SessionID:    sess.id,
		Config:       opts,
		StartedAt:    sess.startedAt,
		FinishedAt:   time.Now(),
		Progress:     prog,
		Seams:        canvas.Seams(),
		PanoramaPath: panoramaPath,
		Error:        prog.Error,
	}
	if err := writer.WriteManifest(manifest); err != nil {
		o.log.WithError(err).Warn("manifest write failed")
	}

	if o.hist != nil {
		finished := manifest.FinishedAt
		err := o.hist.FinishSession(context.Background(), store.SessionRecord{
			ID:                sess.id,
			FinishedAt:        &finished,
			FramesSeen:        prog.FramesSeen,
			KeyframesSelected: prog.KeyframesSelected,
			StripsStitched:    prog.StripsStitched,
			PanoramaPath:      panoramaPath,
			Error:             prog.Error,
		})
		if err != nil {
			o.log.WithError(err).Warn("history update failed")
		}
	}

	canvas.Close()
	o.log.WithFields(logrus.Fields{
		"session":  sess.id,
		"frames":   prog.FramesSeen,
		"strips":   prog.StripsStitched,
		"panorama": panoramaPath,
	}).Info("session finished")
}

// processor runs the heavy stages for one keyframe at a time on the
// processing goroutine. It exclusively owns the engine and canvas.
type processor struct {
	opts    *config.Options
	sess    *session
	writer  *imgio.Writer
	hist    *store.Store
	log     *logrus.Entry
	restore *deblur.Engine
	locator geometry.Locator
	unwrap  *unwrap.Unwrapper
	engine  *stitch.Engine

	// Strips reach the engine through an ordering gate keyed by a dense
	// stitch index, so the ascending-append invariant survives if the
	// upstream stages are ever dispatched concurrently.
	queue   *stitch.OrderedQueue[*unwrap.Strip]
	nextIdx uint64
}

func newProcessor(opts *config.Options, sess *session, writer *imgio.Writer,
	hist *store.Store, log *logrus.Logger) *processor {
	return &processor{
		opts:    opts,
		sess:    sess,
		writer:  writer,
		hist:    hist,
		log:     log.WithField("component", "processor"),
		restore: deblur.NewEngine(opts, log),
		locator: geometry.NewLocator(opts),
		unwrap:  unwrap.NewUnwrapper(opts),
		engine:  stitch.NewEngine(opts, log),
		queue:   stitch.NewOrderedQueue[*unwrap.Strip](),
	}
}

func (p *processor) loop(mb *capture.Mailbox) {
	for {
		kf := mb.Take()
		if kf == nil {
			return
		}
		p.process(kf)
		kf.Close()
	}
}

func (p *processor) close() {
	p.restore.Close()
	p.engine.Close()
}

func (p *processor) process(kf *capture.Keyframe) {
	// Every keyframe claims a stitch index up front; drop paths skip it so
	// later strips are never held back waiting for a gap.
	idx := p.nextIdx
	p.nextIdx++

	p.writer.WriteIntermediate(imgio.DirKeyframes, kf.Seq, kf.Mat)

	work := kf.Mat
	score := blur.Assess(kf.Mat)
	if score.Composite > p.opts.BlurThreshold {
		res := p.restore.Restore(kf.Mat)
		restored := gocv.NewMat()
		gocv.CvtColor(res.Mat, &restored, gocv.ColorGrayToBGR)
		res.Mat.Close()
		defer restored.Close()
		work = restored

		p.writer.WriteIntermediate(imgio.DirDeblurred, kf.Seq, work)
		p.log.WithFields(logrus.Fields{
			"seq":      kf.Seq,
			"score":    score.Composite,
			"method":   res.Method,
			"fellback": res.FellBack,
		}).Debug("keyframe restored")
	}

	circle, ok := p.locator.Locate(work)
	if !ok || circle.Confidence < p.opts.ConfidenceThreshold {
		p.drop(kf.Seq, DropLowConfidence)
		p.flush(p.queue.Skip(idx))
		return
	}

	strip, err := p.unwrap.Unwrap(work, circle, kf.Seq)
	if err != nil {
		p.log.WithError(err).WithField("seq", kf.Seq).Warn("unwrap failed")
		p.drop(kf.Seq, DropThinAnnulus)
		p.flush(p.queue.Skip(idx))
		return
	}
	p.writer.WriteIntermediate(imgio.DirStrips, kf.Seq, strip.Mat)

	p.flush(p.queue.Push(idx, strip))
}

// flush stitches strips the ordering gate has released.
func (p *processor) flush(ready []*unwrap.Strip) {
	for _, s := range ready {
		p.stitchStrip(s)
		s.Close()
	}
}

func (p *processor) stitchStrip(strip *unwrap.Strip) {
	res, err := p.engine.Stitch(strip)
	if err != nil {
		p.log.WithError(err).WithField("seq", strip.Seq).Warn("stitch failed")
		p.drop(strip.Seq, DropStitchError)
		return
	}

	p.sess.stripsStitched.Add(1)
	if res.State == stitch.StateFallbackPlaced {
		p.sess.registrationFail.Add(1)
	}
	p.sess.setCanvasWidth(res.CanvasWidth)

	if p.hist != nil {
		err := p.hist.RecordStrip(context.Background(), p.sess.id, strip.Seq,
			string(res.State), res.Inliers, res.EffectiveOverlap)
		if err != nil {
			p.log.WithError(err).Warn("strip history insert failed")
		}
	}
}

func (p *processor) drop(seq uint64, reason string) {
	p.sess.countDrop(reason, 1)
	if p.hist != nil {
		if err := p.hist.RecordDrop(context.Background(), p.sess.id, seq, reason, time.Now()); err != nil {
			p.log.WithError(err).Warn("drop history insert failed")
		}
	}
}

// openSource picks the source type: an existing directory becomes a watched
// image-drop source, anything else goes through the video backend. Tests
// substitute a synthetic source here.
var openSource = func(source string) (capture.FrameSource, error) {
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		return capture.OpenDirectorySource(source)
	}
	return capture.OpenVideoSource(source)
}
