// Package signal conditions raw CSI frames before feature extraction:
// phase unwrapping, per antenna pair amplitude normalization, zero-phase
// temporal low-pass filtering over a sliding window and subcarrier smoothing.
package signal

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Config contains conditioner parameters
type Config struct {
	WindowSize    int     // frames in the temporal window
	FilterOrder   int     // Butterworth order
	Cutoff        float64 // normalized cutoff, (0,1)
	SmoothingTaps int     // moving average width along subcarriers
	StdFloor      float64 // population std below this is treated as 1.0
}

// DefaultConfig returns window 10, order 4, cutoff 0.2, 3 taps
func DefaultConfig() Config {
	return Config{
		WindowSize:    10,
		FilterOrder:   4,
		Cutoff:        0.2,
		SmoothingTaps: 3,
		StdFloor:      1e-10,
	}
}

// Output is the conditioned amplitude/phase pair for one frame
type Output struct {
	Amplitude []float64
	Phase     []float64
	// Filtered is true when temporal and frequency filtering were applied
	Filtered bool
	// Degraded is true when a fault forced a fallback to the unfiltered pair
	Degraded bool
}

// Conditioner holds the immutable filter design for one CSI shape. All
// per-stream memory lives in State, so one Conditioner serves any number of
// streams.
type Conditioner struct {
	shape  types.Shape
	cfg    Config
	filter *ZeroPhase
}

// NewConditioner validates cfg and designs the temporal filter
func NewConditioner(shape types.Shape, cfg Config) (*Conditioner, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if cfg.WindowSize < 2 {
		return nil, fmt.Errorf("window size must be >= 2, got %d", cfg.WindowSize)
	}
	if cfg.SmoothingTaps < 1 {
		return nil, fmt.Errorf("smoothing taps must be >= 1, got %d", cfg.SmoothingTaps)
	}
	if cfg.StdFloor <= 0 {
		cfg.StdFloor = 1e-10
	}

	coef, err := DesignLowpass(cfg.FilterOrder, cfg.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("design temporal filter: %w", err)
	}
	filter, err := NewZeroPhase(coef)
	if err != nil {
		return nil, fmt.Errorf("temporal filter initial state: %w", err)
	}

	return &Conditioner{shape: shape, cfg: cfg, filter: filter}, nil
}

// Shape returns the tensor shape this conditioner accepts
func (c *Conditioner) Shape() types.Shape {
	return c.shape
}

// NewState returns an empty State sized for this conditioner
func (c *Conditioner) NewState() *State {
	return NewState(c.cfg.WindowSize)
}

// Process conditions one frame and advances st.
//
// Faults in filtering or smoothing never propagate: the frame's unwrapped
// and normalized pair is returned with Degraded set. Non-finite input leaves
// st untouched and returns the last good pair; if there is none yet a
// NumericFault is returned and the frame should be dropped.
func (c *Conditioner) Process(st *State, frame types.CSIFrame) (Output, error) {
	if err := frame.CheckShape(c.shape); err != nil {
		return Output{}, err
	}

	if err := c.checkInput(frame); err != nil {
		return c.fallback(st, frame, err)
	}

	phase := unwrap(st.prevPhase, frame.Phase)
	amp := c.normalize(frame.Amplitude)

	// finite input can still overflow to Inf in the arithmetic above
	if err := types.CheckFinite("unwrap", phase); err != nil {
		return c.fallback(st, frame, err)
	}
	if err := types.CheckFinite("normalize", amp); err != nil {
		return c.fallback(st, frame, err)
	}

	st.commit(amp, phase)

	if st.Len() < st.Capacity() {
		return Output{Amplitude: clone(amp), Phase: clone(phase)}, nil
	}

	filteredAmp := c.smooth(c.temporal(st.ampWindow))
	filteredPhase := c.smooth(c.temporal(st.phaseWindow))

	if i := types.FirstNonFinite(filteredAmp); i >= 0 {
		slog.Warn("temporal filter produced non-finite amplitude, using unfiltered frame",
			"seq", frame.Seq,
			"index", i,
			"error", types.ErrFilterInstability,
		)
		return Output{Amplitude: clone(amp), Phase: clone(phase), Degraded: true}, nil
	}
	if i := types.FirstNonFinite(filteredPhase); i >= 0 {
		slog.Warn("temporal filter produced non-finite phase, using unfiltered frame",
			"seq", frame.Seq,
			"index", i,
			"error", types.ErrFilterInstability,
		)
		return Output{Amplitude: clone(amp), Phase: clone(phase), Degraded: true}, nil
	}

	return Output{Amplitude: filteredAmp, Phase: filteredPhase, Filtered: true}, nil
}

func (c *Conditioner) checkInput(frame types.CSIFrame) error {
	if err := types.CheckFinite("condition", frame.Amplitude); err != nil {
		return err
	}
	return types.CheckFinite("condition", frame.Phase)
}

func (c *Conditioner) fallback(st *State, frame types.CSIFrame, cause error) (Output, error) {
	if st.lastAmp == nil {
		return Output{}, fmt.Errorf("frame %d dropped, no previous output: %w", frame.Seq, cause)
	}
	slog.Warn("unusable csi input, repeating last conditioned frame",
		"seq", frame.Seq,
		"error", cause,
	)
	return Output{Amplitude: clone(st.lastAmp), Phase: clone(st.lastPhase), Degraded: true}, nil
}

// unwrap adds to prev the phase change wrapped into (-pi, pi]. The first
// frame (prev == nil) passes through.
func unwrap(prev, phase []float64) []float64 {
	out := clone(phase)
	if prev == nil {
		return out
	}
	for i, p := range phase {
		d := math.Remainder(p-prev[i], 2*math.Pi)
		if d <= -math.Pi {
			d += 2 * math.Pi
		}
		out[i] = prev[i] + d
	}
	return out
}

// normalize scales each (tx, rx) row across subcarriers to zero mean and
// unit population std
func (c *Conditioner) normalize(amp []float64) []float64 {
	out := make([]float64, len(amp))
	n := c.shape.NumSubcarriers
	for pair := 0; pair < c.shape.Pairs(); pair++ {
		row := amp[pair*n : (pair+1)*n]
		mean, std := stat.PopMeanStdDev(row, nil)
		if std < c.cfg.StdFloor {
			std = 1.0
		}
		for i, v := range row {
			out[pair*n+i] = (v - mean) / std
		}
	}
	return out
}

// temporal filters every coordinate along the window and returns the last
// time index
func (c *Conditioner) temporal(window [][]float64) []float64 {
	size := len(window)
	out := make([]float64, len(window[0]))
	series := make([]float64, size)
	filtered := make([]float64, size)
	for i := range out {
		for t := 0; t < size; t++ {
			series[t] = window[t][i]
		}
		c.filter.Filter(filtered, series)
		out[i] = filtered[size-1]
	}
	return out
}

// smooth applies a moving average of SmoothingTaps along subcarriers,
// same-length output with zero padding at both edges
func (c *Conditioner) smooth(x []float64) []float64 {
	taps := c.cfg.SmoothingTaps
	if taps == 1 {
		return x
	}
	n := c.shape.NumSubcarriers
	half := (taps - 1) / 2
	out := make([]float64, len(x))
	for pair := 0; pair < c.shape.Pairs(); pair++ {
		row := x[pair*n : (pair+1)*n]
		for i := 0; i < n; i++ {
			var sum float64
			for j := 0; j < taps; j++ {
				k := i + half - j
				if k >= 0 && k < n {
					sum += row[k]
				}
			}
			out[pair*n+i] = sum / float64(taps)
		}
	}
	return out
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
