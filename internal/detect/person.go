// Package detect turns pose estimates into accepted persons.
//
// A keypoint is valid when its confidence is strictly above the threshold.
// Invalid keypoints keep their confidence but get NaN coordinates. A person
// is accepted only when the number of valid keypoints is strictly greater
// than MinValidFraction * N.
//
// One estimate yields at most one person. Splitting a frame into several
// subjects would need per-region sub-pipelines or parallel estimators and
// is not attempted here.
package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// Detector applies confidence thresholding to pose estimates
type Detector struct {
	Threshold        float64
	MinValidFraction float64
}

// New creates a detector, both parameters must lie in [0,1)
func New(threshold, minValidFraction float64) (*Detector, error) {
	if threshold < 0 || threshold >= 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0,1), got %v", threshold)
	}
	if minValidFraction < 0 || minValidFraction >= 1 {
		return nil, fmt.Errorf("min valid fraction must be in [0,1), got %v", minValidFraction)
	}
	return &Detector{Threshold: threshold, MinValidFraction: minValidFraction}, nil
}

// Meta identifies the frame an estimate was computed from
type Meta struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
}

// Extract returns the accepted person for est, or false when too few
// keypoints pass the threshold. est is not modified.
func (d *Detector) Extract(est types.PoseEstimate, meta Meta) (*types.Person, bool) {
	n := len(est.Confidences)
	if n == 0 || len(est.Keypoints) != n {
		return nil, false
	}

	p := &types.Person{
		Seq:         meta.Seq,
		Timestamp:   meta.Timestamp,
		TraceID:     meta.TraceID,
		Keypoints:   make([][3]float64, n),
		Confidences: append([]float64(nil), est.Confidences...),
		Valid:       make([]bool, n),
	}

	nan := math.NaN()
	for i, c := range est.Confidences {
		if c > d.Threshold {
			p.Valid[i] = true
			p.ValidCount++
			p.Keypoints[i] = est.Keypoints[i]
		} else {
			p.Keypoints[i] = [3]float64{nan, nan, nan}
		}
	}

	if float64(p.ValidCount) <= d.MinValidFraction*float64(n) {
		return nil, false
	}
	return p, true
}

// MinValid returns the smallest valid keypoint count that is accepted for
// an n-keypoint skeleton
func (d *Detector) MinValid(n int) int {
	return int(math.Floor(d.MinValidFraction*float64(n))) + 1
}
