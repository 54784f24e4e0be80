package types

import (
	"errors"
	"fmt"
	"math"
)

// FaultKind classifies numeric faults raised inside the pipeline
type FaultKind int

const (
	// NumericFault is a non-finite or otherwise unusable value
	NumericFault FaultKind = iota + 1
	// ShapeMismatch is a tensor whose dimensions differ from the configured shape
	ShapeMismatch
	// FilterInstability is a filter whose poles or output diverge
	FilterInstability
)

// Sentinel errors matched by errors.Is against a *Fault of the same kind
var (
	ErrNumericFault      = errors.New("numeric fault")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrFilterInstability = errors.New("filter instability")
)

func (k FaultKind) String() string {
	switch k {
	case NumericFault:
		return "numeric_fault"
	case ShapeMismatch:
		return "shape_mismatch"
	case FilterInstability:
		return "filter_instability"
	default:
		return "unknown_fault"
	}
}

func (k FaultKind) sentinel() error {
	switch k {
	case NumericFault:
		return ErrNumericFault
	case ShapeMismatch:
		return ErrShapeMismatch
	case FilterInstability:
		return ErrFilterInstability
	default:
		return nil
	}
}

// Fault is a typed numeric failure. Op names the stage that produced it.
type Fault struct {
	Kind   FaultKind
	Op     string
	Detail string
}

// NewFault builds a Fault with a formatted detail message
func NewFault(kind FaultKind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind, f.Detail)
}

// Unwrap exposes the kind sentinel so errors.Is(err, ErrShapeMismatch) works
func (f *Fault) Unwrap() error {
	return f.Kind.sentinel()
}

// KindOf returns the fault kind carried by err, or 0 if err is not a Fault
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// FirstNonFinite returns the index of the first NaN or Inf value, or -1
func FirstNonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// CheckFinite returns a NumericFault naming op if any value is not finite
func CheckFinite(op string, values []float64) error {
	if i := FirstNonFinite(values); i >= 0 {
		return NewFault(NumericFault, op, "non-finite value %v at index %d", values[i], i)
	}
	return nil
}
