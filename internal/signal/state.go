package signal

// State is the mutable conditioning memory of one CSI stream. It is owned by
// a single goroutine and passed into Conditioner.Process for every frame.
type State struct {
	// prevPhase is the last unwrapped phase tensor, nil before the first frame
	prevPhase []float64

	// sliding window of (normalized amplitude, unwrapped phase), oldest first
	ampWindow   [][]float64
	phaseWindow [][]float64
	capacity    int

	// last successful unwrap/normalize output, used when input is unusable
	lastAmp   []float64
	lastPhase []float64
}

// NewState creates an empty state with the given window capacity
func NewState(capacity int) *State {
	return &State{
		capacity:    capacity,
		ampWindow:   make([][]float64, 0, capacity),
		phaseWindow: make([][]float64, 0, capacity),
	}
}

// Len returns the number of frames in the window
func (s *State) Len() int {
	return len(s.ampWindow)
}

// Capacity returns the window capacity
func (s *State) Capacity() int {
	return s.capacity
}

// HasPrevious reports whether a previous unwrapped phase exists
func (s *State) HasPrevious() bool {
	return s.prevPhase != nil
}

// Reset discards the previous phase, the window and the last good output
func (s *State) Reset() {
	s.prevPhase = nil
	s.ampWindow = s.ampWindow[:0]
	s.phaseWindow = s.phaseWindow[:0]
	s.lastAmp = nil
	s.lastPhase = nil
}

// commit records a successful step 1/2 result. amp and phase are retained,
// callers must not modify them afterwards.
func (s *State) commit(amp, phase []float64) {
	s.prevPhase = phase
	s.lastAmp = amp
	s.lastPhase = phase

	if len(s.ampWindow) == s.capacity {
		copy(s.ampWindow, s.ampWindow[1:])
		copy(s.phaseWindow, s.phaseWindow[1:])
		s.ampWindow = s.ampWindow[:s.capacity-1]
		s.phaseWindow = s.phaseWindow[:s.capacity-1]
	}
	s.ampWindow = append(s.ampWindow, amp)
	s.phaseWindow = append(s.phaseWindow, phase)
}
