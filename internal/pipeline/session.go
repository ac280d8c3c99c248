package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pipescope/internal/config"
	"pipescope/internal/stitch"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Drop reasons reported in progress and persisted to the history store.
const (
	DropOverwritten   = "overwritten"
	DropLowConfidence = "dropped_low_confidence"
	DropThinAnnulus   = "dropped_thin_annulus"
	DropStitchError   = "dropped_stitch_error"
	DropWriteError    = "dropped_write_error"
)

// Progress is a point-in-time snapshot of a session, safe to serialize.
type Progress struct {
	SessionID            string            `json:"session_id"`
	State                State             `json:"state"`
	FramesSeen           uint64            `json:"frames_seen"`
	KeyframesSelected    uint64            `json:"keyframes_selected"`
	StripsStitched       uint64            `json:"strips_stitched"`
	RegistrationFailures uint64            `json:"registration_failures"`
	Drops                map[string]uint64 `json:"drops"`
	CanvasWidth          int               `json:"canvas_width"`
	ElapsedSeconds       float64           `json:"elapsed_seconds"`
	PanoramaPath         string            `json:"panorama_path,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// Manifest is the session.json artifact written next to the panorama.
type Manifest struct {
	SessionID    string           `json:"session_id"`
	Config       *config.Options  `json:"config"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Progress     Progress         `json:"progress"`
	Seams        []stitch.SeamMeta `json:"seams"`
	PanoramaPath string           `json:"panorama_path,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// session holds the mutable state of one run. Counters touched by both the
// capture and processing goroutines are atomic; everything else is guarded
// by mu.
type session struct {
	id        string
	startedAt time.Time

	framesSeen       atomic.Uint64
	keyframes        atomic.Uint64
	stripsStitched   atomic.Uint64
	registrationFail atomic.Uint64

	mu           sync.Mutex
	state        State
	drops        map[string]uint64
	overwrites   func() uint64
	canvasWidth  int
	panoramaPath string
	err          string
}

func newSession() *session {
	return &session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		state:     StateRunning,
		drops:     make(map[string]uint64),
	}
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) countDrop(reason string, n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.drops[reason] += n
	s.mu.Unlock()
}

func (s *session) setCanvasWidth(w int) {
	s.mu.Lock()
	s.canvasWidth = w
	s.mu.Unlock()
}

func (s *session) setPanorama(path string) {
	s.mu.Lock()
	s.panoramaPath = path
	s.mu.Unlock()
}

// setDropSource installs a live counter for overwritten keyframes; snapshots
// fold its current value into the drop map so progress stays honest while the
// session runs.
func (s *session) setDropSource(fn func() uint64) {
	s.mu.Lock()
	s.overwrites = fn
	s.mu.Unlock()
}

// fail records the first error only; later errors during teardown keep the
// original cause visible.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == "" {
		s.err = err.Error()
	}
	s.state = StateFailed
	s.mu.Unlock()
}

// degrade surfaces a non-fatal condition through the error field without
// failing the session; artifacts are still persisted.
func (s *session) degrade(msg string) {
	s.mu.Lock()
	if s.err == "" {
		s.err = msg
	}
	s.mu.Unlock()
}

func (s *session) snapshot() Progress {
	s.mu.Lock()
	drops := make(map[string]uint64, len(s.drops))
	for k, v := range s.drops {
		drops[k] = v
	}
	if s.overwrites != nil {
		if n := s.overwrites(); n > 0 {
			drops[DropOverwritten] += n
		}
	}
	p := Progress{
		SessionID:            s.id,
		State:                s.state,
		Drops:                drops,
		CanvasWidth:          s.canvasWidth,
		PanoramaPath:         s.panoramaPath,
		Error:                s.err,
	}
	s.mu.Unlock()

	p.FramesSeen = s.framesSeen.Load()
	p.KeyframesSelected = s.keyframes.Load()
	p.StripsStitched = s.stripsStitched.Load()
	p.RegistrationFailures = s.registrationFail.Load()
	p.ElapsedSeconds = time.Since(s.startedAt).Seconds()
	return p
}
