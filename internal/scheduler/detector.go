// Package scheduler runs detectors in wave order, gating each by a trigger
// predicate over the current blackboard signals and bounding each by a
// per-detector timeout, then folds results back into the blackboard state
// before the next wave starts.
package scheduler

import (
	"context"

	"github.com/kestrelsec/botwave/internal/blackboard"
)

// Detector is one unit of detection logic. Run must not mutate state and
// must return promptly when ctx is cancelled.
type Detector interface {
	Name() string
	Trigger() blackboard.Trigger
	Run(ctx context.Context, state blackboard.State) blackboard.Result
}

// Wave groups detectors that are eligible to run concurrently.
type Wave struct {
	Name      string
	Detectors []Detector
}
