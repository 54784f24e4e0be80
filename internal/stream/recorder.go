package stream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Recorder is a Sink that copies every raw frame to a recording file before
// forwarding it to the next sink. File writes happen on a background
// goroutine; when the writer falls behind, frames are left out of the
// recording rather than delaying the source.
type Recorder struct {
	next Sink
	path string

	file *os.File
	enc  *Encoder
	ch   chan types.CSIFrame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	recorded uint64
	skipped  uint64
	errors   uint64
}

// NewRecorder creates dir if needed and opens a new timestamped recording
func NewRecorder(dir, instanceID string, next Sink) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.csi", instanceID, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &Recorder{
		next: next,
		path: path,
		file: f,
		enc:  NewEncoder(f),
		ch:   make(chan types.CSIFrame, 256),
		done: make(chan struct{}),
	}
	go r.writeLoop()

	slog.Info("recording csi frames", "path", path)
	return r, nil
}

// Path returns the recording file path
func (r *Recorder) Path() string {
	return r.path
}

// Push queues frame for recording and forwards it to the next sink
func (r *Recorder) Push(frame types.CSIFrame) error {
	r.mu.RLock()
	if !r.closed {
		select {
		case r.ch <- frame.Clone():
		default:
			atomic.AddUint64(&r.skipped, 1)
		}
	}
	r.mu.RUnlock()

	return r.next.Push(frame)
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case frame, ok := <-r.ch:
			if !ok {
				return
			}
			if err := r.enc.Encode(frame); err != nil {
				if atomic.AddUint64(&r.errors, 1) == 1 {
					slog.Error("failed to record frame", "path", r.path, "error", err)
				}
				continue
			}
			atomic.AddUint64(&r.recorded, 1)
		case <-flush.C:
			if err := r.enc.Flush(); err != nil {
				atomic.AddUint64(&r.errors, 1)
			}
		}
	}
}

// Close drains pending frames, flushes and closes the file. Idempotent.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()

		<-r.done
		if ferr := r.enc.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush recording: %w", ferr)
		}
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close recording: %w", cerr)
		}

		slog.Info("recording closed",
			"path", r.path,
			"recorded", atomic.LoadUint64(&r.recorded),
			"skipped", atomic.LoadUint64(&r.skipped),
		)
	})
	return err
}

// Recorded returns the number of frames written
func (r *Recorder) Recorded() uint64 {
	return atomic.LoadUint64(&r.recorded)
}
