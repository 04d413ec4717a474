package offset

import (
	"fmt"
	"math"
	"time"
)

// CommitPolicy decides whether the in-memory offset must be flushed now.
// Implementations are pure functions of their inputs.
type CommitPolicy interface {
	ShouldCommit(eventsSinceLastCommit int, timeSinceLastCommit time.Duration) bool
}

// Periodic commits once Interval has elapsed since the last commit.
// A non-positive Interval commits on every record.
type Periodic struct {
	Interval time.Duration
}

func (p Periodic) ShouldCommit(_ int, since time.Duration) bool {
	if p.Interval <= 0 {
		return true
	}
	return since >= p.Interval
}

// Always commits after every record.
type Always struct{}

func (Always) ShouldCommit(int, time.Duration) bool { return true }

// Never is a Periodic policy whose interval cannot elapse; offsets are only
// written when the runner forces a flush on shutdown.
var Never = Periodic{Interval: math.MaxInt64}

const (
	PolicyPeriodic = "periodic"
	PolicyAlways   = "always"
)

// ParsePolicy maps the configuration surface onto a policy.
func ParsePolicy(kind string, interval time.Duration) (CommitPolicy, error) {
	switch kind {
	case "", PolicyPeriodic:
		return Periodic{Interval: interval}, nil
	case PolicyAlways:
		return Always{}, nil
	default:
		return nil, fmt.Errorf("offset: unsupported commit policy %q", kind)
	}
}
