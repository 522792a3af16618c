// Package faults defines the error taxonomy shared by every component.
package faults

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTransientDependency marks a failure of an external collaborator
	// that may succeed on retry.
	ErrTransientDependency = errors.New("transient dependency failure")

	// ErrOracleUnavailable is the oracle flavour of a transient failure.
	ErrOracleUnavailable = fmt.Errorf("oracle unavailable: %w", ErrTransientDependency)

	// ErrInconclusive marks a measurement that yielded no usable signal.
	ErrInconclusive = errors.New("statistically inconclusive")

	// ErrSafetyRejected marks a candidate modification that violates an invariant.
	ErrSafetyRejected = errors.New("safety rejected")

	// ErrNumericAnomaly marks a NaN, Inf or out-of-range value.
	ErrNumericAnomaly = errors.New("numeric anomaly")

	// ErrCheckpointCorrupt marks an unreadable or hash-mismatched checkpoint.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrConflict marks an optimistic write that lost a race after retries.
	ErrConflict = errors.New("write conflict")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)

// Transient wraps err so that errors.Is(err, ErrTransientDependency) holds.
func Transient(dependency string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientDependency) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", dependency, ErrTransientDependency, err)
}

// Inconclusive wraps a reason as an ErrInconclusive.
func Inconclusive(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconclusive, fmt.Sprintf(format, args...))
}

// SafetyRejected wraps a rationale as an ErrSafetyRejected.
func SafetyRejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSafetyRejected, fmt.Sprintf(format, args...))
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp restricts v to [lo, hi]. NaN maps to lo.
// The second return value reports whether v was anomalous.
func Clamp(v, lo, hi float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return lo, true
	case v < lo:
		return lo, true
	case v > hi:
		return hi, true
	}
	return v, false
}

// Clamp01 is Clamp over [0, 1].
func Clamp01(v float64) (float64, bool) {
	return Clamp(v, 0, 1)
}

// CheckUnit returns ErrNumericAnomaly if v is outside [0, 1] or not finite.
func CheckUnit(name string, v float64) error {
	if !Finite(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v outside [0,1]", ErrNumericAnomaly, name, v)
	}
	return nil
}
