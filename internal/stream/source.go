// Package stream provides CSI frame sources (simulated, TCP collector and
// file replay), the length-prefixed msgpack frame codec, raw frame
// recording and warm-up rate measurement.
//
// Sources never block on their sink: Push must return immediately and a
// rejected frame is counted, not retried.
package stream

import (
	"context"
	"errors"

	"github.com/hkevin01/wifi-radar/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("stream: source already running")
	ErrFrameTooLarge  = errors.New("stream: frame exceeds maximum size")
)

// Sink receives frames from a source without blocking
type Sink interface {
	Push(frame types.CSIFrame) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(frame types.CSIFrame) error

// Push calls f(frame)
func (f SinkFunc) Push(frame types.CSIFrame) error {
	return f(frame)
}

// Source produces CSI frames into a Sink until stopped
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Stats() types.StreamStats
}
