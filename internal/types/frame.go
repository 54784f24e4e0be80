package types

import (
	"fmt"
	"time"
)

// Shape is the fixed (transmit, receive, subcarrier) layout of a CSI tensor
type Shape struct {
	NumTx          int `msgpack:"num_tx" json:"num_tx"`
	NumRx          int `msgpack:"num_rx" json:"num_rx"`
	NumSubcarriers int `msgpack:"num_subcarriers" json:"num_subcarriers"`
}

// DefaultShape returns the 3x3 MIMO, 64 subcarrier layout
func DefaultShape() Shape {
	return Shape{NumTx: 3, NumRx: 3, NumSubcarriers: 64}
}

// Len returns the number of elements in one tensor of this shape
func (s Shape) Len() int {
	return s.NumTx * s.NumRx * s.NumSubcarriers
}

// Pairs returns the number of (transmit, receive) antenna pairs
func (s Shape) Pairs() int {
	return s.NumTx * s.NumRx
}

// Index returns the flat row-major offset of (tx, rx, sc)
func (s Shape) Index(tx, rx, sc int) int {
	return (tx*s.NumRx+rx)*s.NumSubcarriers + sc
}

// Validate checks that every axis is positive
func (s Shape) Validate() error {
	if s.NumTx <= 0 || s.NumRx <= 0 || s.NumSubcarriers <= 0 {
		return fmt.Errorf("invalid csi shape %s: all dimensions must be > 0", s)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.NumTx, s.NumRx, s.NumSubcarriers)
}

// CSIFrame is a single channel measurement: amplitude and phase tensors
// indexed (tx, rx, subcarrier), stored flat in row-major order.
type CSIFrame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64 `msgpack:"seq"`
	// Timestamp is when the measurement was captured
	Timestamp time.Time `msgpack:"timestamp"`
	// TraceID follows the frame through the pipeline logs
	TraceID string `msgpack:"trace_id"`
	// Shape is the tensor layout of Amplitude and Phase
	Shape     Shape     `msgpack:"shape"`
	Amplitude []float64 `msgpack:"amplitude"`
	Phase     []float64 `msgpack:"phase"`
}

// NewCSIFrame allocates a zeroed frame of the given shape
func NewCSIFrame(shape Shape) CSIFrame {
	return CSIFrame{
		Shape:     shape,
		Amplitude: make([]float64, shape.Len()),
		Phase:     make([]float64, shape.Len()),
	}
}

// CheckShape verifies the frame matches the expected shape. The declared
// shape and both tensor lengths must agree.
func (f CSIFrame) CheckShape(expected Shape) error {
	if f.Shape != expected {
		return NewFault(ShapeMismatch, "ingest", "frame shape %s, expected %s", f.Shape, expected)
	}
	if len(f.Amplitude) != expected.Len() || len(f.Phase) != expected.Len() {
		return NewFault(ShapeMismatch, "ingest", "tensor lengths amplitude=%d phase=%d, expected %d",
			len(f.Amplitude), len(f.Phase), expected.Len())
	}
	return nil
}

// At returns the amplitude and phase at (tx, rx, sc)
func (f CSIFrame) At(tx, rx, sc int) (amplitude, phase float64) {
	i := f.Shape.Index(tx, rx, sc)
	return f.Amplitude[i], f.Phase[i]
}

// Clone returns a deep copy of the frame
func (f CSIFrame) Clone() CSIFrame {
	out := f
	out.Amplitude = append([]float64(nil), f.Amplitude...)
	out.Phase = append([]float64(nil), f.Phase...)
	return out
}

// GetTimestamp implements the warm-up frame interface
func (f CSIFrame) GetTimestamp() time.Time {
	return f.Timestamp
}

// GetSeq implements the warm-up frame interface
func (f CSIFrame) GetSeq() uint64 {
	return f.Seq
}

// ConditionedCSI is the output of the signal conditioner for one frame,
// kept for presentation sinks.
type ConditionedCSI struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Shape     Shape     `json:"shape"`
	Amplitude []float64 `json:"amplitude"`
	Phase     []float64 `json:"phase"`
	// Filtered is false while the temporal window is still filling
	Filtered bool `json:"filtered"`
	// Degraded is true when a conditioning fault forced a fallback output
	Degraded bool `json:"degraded"`
}

// Clone returns a deep copy
func (c *ConditionedCSI) Clone() *ConditionedCSI {
	if c == nil {
		return nil
	}
	out := *c
	out.Amplitude = append([]float64(nil), c.Amplitude...)
	out.Phase = append([]float64(nil), c.Phase...)
	return &out
}

// StreamStats contains frame source statistics
type StreamStats struct {
	FrameCount    uint64
	FramesPushed  uint64
	FramesDropped uint64
	RateTargetHz  float64
	RateRealHz    float64
	Source        string
	Reconnects    uint32
	BytesRead     uint64
	IsConnected   bool
	Errors        uint64
}
