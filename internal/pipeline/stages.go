package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hkevin01/wifi-radar/internal/detect"
	"github.com/hkevin01/wifi-radar/internal/model"
	"github.com/hkevin01/wifi-radar/internal/signal"
	"github.com/hkevin01/wifi-radar/internal/types"
)

// Stage names used in StageError and logs
const (
	StageCondition = "condition"
	StageExtract   = "extract"
	StageEstimate  = "estimate"
)

// StageError reports which stage dropped a frame
type StageError struct {
	Stage string
	Seq   uint64
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("frame %d dropped at %s: %v", e.Seq, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stages is the immutable numeric part of the pipeline. One Stages value
// can back any number of independent streams.
type Stages struct {
	Conditioner *signal.Conditioner
	Extractor   *model.Extractor
	Estimator   *model.Estimator
	Detector    *detect.Detector
}

// NewStages builds every stage from one parameter set
func NewStages(params *model.Params, cond signal.Config, det *detect.Detector) (*Stages, error) {
	conditioner, err := signal.NewConditioner(params.Arch.Shape, cond)
	if err != nil {
		return nil, fmt.Errorf("conditioner: %w", err)
	}
	extractor, err := model.NewExtractor(params)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}
	estimator, err := model.NewEstimator(params)
	if err != nil {
		return nil, fmt.Errorf("pose estimator: %w", err)
	}
	return &Stages{
		Conditioner: conditioner,
		Extractor:   extractor,
		Estimator:   estimator,
		Detector:    det,
	}, nil
}

// StepResult is the output of one frame through all stages
type StepResult struct {
	Conditioned types.ConditionedCSI
	Estimate    types.PoseEstimate
	// Person is nil when the estimate was not accepted
	Person *types.Person
	// GapReset is true when a sensor gap cleared the hidden state first
	GapReset bool
}

// StreamState is the mutable memory of one CSI stream: conditioner state,
// recurrent hidden state and the last frame time for gap detection. It must
// only be used from one goroutine.
type StreamState struct {
	stages       *Stages
	cond         *signal.State
	hidden       *model.HiddenState
	lastAt       time.Time
	gapThreshold time.Duration
}

// NewStreamState returns fresh state for a new stream
func (s *Stages) NewStreamState() *StreamState {
	return &StreamState{
		stages: s,
		cond:   s.Conditioner.NewState(),
	}
}

// Hidden returns a copy of the current hidden state, nil if absent
func (st *StreamState) Hidden() *model.HiddenState {
	return st.hidden.Clone()
}

// SetHidden replaces the hidden state, nil clears it
func (st *StreamState) SetHidden(h *model.HiddenState) {
	st.hidden = h.Clone()
}

// SetGapThreshold sets the inter-frame gap that resets the hidden state.
// Zero disables gap detection.
func (st *StreamState) SetGapThreshold(d time.Duration) {
	st.gapThreshold = d
}

// GapThreshold returns the active gap threshold
func (st *StreamState) GapThreshold() time.Duration {
	return st.gapThreshold
}

// Reset clears conditioner and hidden state, as at stream start
func (st *StreamState) Reset() {
	st.cond.Reset()
	st.hidden = nil
	st.lastAt = time.Time{}
}

// Step runs frame through conditioner, extractor, estimator and detector.
//
// A conditioning or extraction failure drops the frame and keeps the hidden
// state. An estimator failure drops the frame and clears the hidden state.
func (st *StreamState) Step(frame types.CSIFrame) (StepResult, error) {
	var res StepResult

	if st.gapThreshold > 0 && !st.lastAt.IsZero() && !frame.Timestamp.IsZero() {
		if gap := frame.Timestamp.Sub(st.lastAt); gap > st.gapThreshold {
			if st.hidden != nil {
				slog.Info("sensor gap detected, resetting temporal memory",
					"seq", frame.Seq,
					"gap", gap,
					"threshold", st.gapThreshold,
				)
				st.hidden = nil
				res.GapReset = true
			}
		}
	}
	if !frame.Timestamp.IsZero() {
		st.lastAt = frame.Timestamp
	}

	out, err := st.stages.Conditioner.Process(st.cond, frame)
	if err != nil {
		return res, &StageError{Stage: StageCondition, Seq: frame.Seq, Err: err}
	}
	res.Conditioned = types.ConditionedCSI{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Shape:     frame.Shape,
		Amplitude: out.Amplitude,
		Phase:     out.Phase,
		Filtered:  out.Filtered,
		Degraded:  out.Degraded,
	}

	features, err := st.stages.Extractor.Extract(out.Amplitude, out.Phase)
	if err != nil {
		return res, &StageError{Stage: StageExtract, Seq: frame.Seq, Err: err}
	}

	est, next, err := st.stages.Estimator.Estimate(features, st.hidden)
	if err != nil {
		slog.Warn("pose estimator fault, resetting temporal memory",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"had_memory", st.hidden != nil,
			"error", err,
		)
		st.hidden = nil
		return res, &StageError{Stage: StageEstimate, Seq: frame.Seq, Err: err}
	}
	st.hidden = next
	res.Estimate = est

	person, ok := st.stages.Detector.Extract(est, detect.Meta{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		TraceID:   frame.TraceID,
	})
	if ok {
		res.Person = person
	}
	return res, nil
}
