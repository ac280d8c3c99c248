package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gocv.io/x/gocv"
)

// DirectorySource turns a drop folder of still images into a frame stream.
// Bench capture rigs that emit numbered stills instead of a video feed are
// pointed at a directory; files already present are replayed in name order
// and new files are picked up through fsnotify as they land.
type DirectorySource struct {
	dir     string
	watcher *fsnotify.Watcher
	pending chan string
	done    chan struct{}
	seq     uint64

	// IdleTimeout ends the stream when no new file arrives in time.
	IdleTimeout time.Duration
}

const defaultIdleTimeout = 10 * time.Second

// OpenDirectorySource watches dir for image files.
func OpenDirectorySource(dir string) (*DirectorySource, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a readable directory", ErrSourceUnavailable, dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: fsnotify: %v", ErrSourceUnavailable, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: watch %q: %v", ErrSourceUnavailable, dir, err)
	}

	d := &DirectorySource{
		dir:         dir,
		watcher:     watcher,
		pending:     make(chan string, 256),
		done:        make(chan struct{}),
		IdleTimeout: defaultIdleTimeout,
	}

	// Replay anything already in the folder, oldest name first.
	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: list %q: %v", ErrSourceUnavailable, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)
	for _, n := range names {
		select {
		case d.pending <- n:
		default:
		}
	}

	go d.watchLoop()
	return d, nil
}

func (d *DirectorySource) watchLoop() {
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) && isImageFile(ev.Name) {
				select {
				case d.pending <- ev.Name:
				default:
					// Queue full: the folder is outrunning the consumer.
					// Dropping here mirrors the latest-frame overwrite policy.
				}
			}
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Next returns the next dropped image, or ErrEndOfStream after IdleTimeout
// with no new files.
func (d *DirectorySource) Next() (*Frame, error) {
	timer := time.NewTimer(d.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-d.done:
			return nil, ErrEndOfStream
		case <-timer.C:
			return nil, ErrEndOfStream
		case path := <-d.pending:
			mat := gocv.IMRead(path, gocv.IMReadColor)
			if mat.Empty() {
				// Partially written file; skip it rather than failing the stream.
				continue
			}
			return &Frame{
				Mat:       mat,
				Seq:       atomic.AddUint64(&d.seq, 1) - 1,
				Timestamp: time.Now(),
			}, nil
		}
	}
}

// Close stops watching. Safe to call twice.
func (d *DirectorySource) Close() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
	}
	return d.watcher.Close()
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}
