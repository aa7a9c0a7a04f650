package scoring

import (
	"errors"
	"time"
)

var ErrInvalidStrategy = errors.New("scoring: base must be >= floor and floor must be > 0")

// Strategy turns a submission outcome into points. Implementations must
// never award more points to a later correct submission than to an earlier
// one within the same round, and must award zero to incorrect answers.
type Strategy interface {
	Points(correct bool, latency, limit time.Duration) int
}

// LinearDecay awards Base points for an instant correct answer, decaying
// linearly to Floor at the time limit.
type LinearDecay struct {
	Base  int
	Floor int
}

// NewLinearDecay validates and builds a LinearDecay strategy.
func NewLinearDecay(base, floor int) (LinearDecay, error) {
	if floor <= 0 || base < floor {
		return LinearDecay{}, ErrInvalidStrategy
	}
	return LinearDecay{Base: base, Floor: floor}, nil
}

// Points implements Strategy with integer arithmetic so results are exact
// and reproducible.
func (s LinearDecay) Points(correct bool, latency, limit time.Duration) int {
	if !correct {
		return 0
	}
	if latency < 0 {
		latency = 0
	}
	if limit <= 0 || latency >= limit {
		return s.Floor
	}
	span := int64(s.Base - s.Floor)
	return s.Base - int(span*int64(latency)/int64(limit))
}
