package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/pkg/botmetrics"
)

// Options tunes wave execution.
type Options struct {
	DetectorTimeout time.Duration
	RequestTimeout  time.Duration
}

// Scheduler runs a fixed sequence of waves against a blackboard.State,
// folding each detector's result in before the next wave is considered.
type Scheduler struct {
	waves []Wave
	opts  Options
}

// New builds a Scheduler over waves in the order they should execute.
func New(waves []Wave, opts Options) *Scheduler {
	if opts.DetectorTimeout <= 0 {
		opts.DetectorTimeout = 100 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 500 * time.Millisecond
	}
	return &Scheduler{waves: waves, opts: opts}
}

// Run executes every wave in order against the initial state, returning the
// final folded state. It never panics or returns an error to the caller:
// timed-out detectors are recorded in state.FailedDetectors and a
// request-wide deadline finalizes early with whatever evidence was
// gathered so far.
func (s *Scheduler) Run(ctx context.Context, initial blackboard.State) blackboard.State {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	state := initial
	for _, wave := range s.waves {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		state = s.runWave(ctx, wave, state)
		botmetrics.WaveDuration.WithLabelValues(wave.Name).Observe(time.Since(start).Seconds())
	}
	return state
}

type detectorOutcome struct {
	name    string
	result  blackboard.Result
	elapsed time.Duration
}

func (s *Scheduler) runWave(ctx context.Context, wave Wave, state blackboard.State) blackboard.State {
	eligible := make([]Detector, 0, len(wave.Detectors))
	for _, d := range wave.Detectors {
		trigger := d.Trigger()
		if trigger == nil {
			trigger = blackboard.Always{}
		}
		if trigger.Satisfied(state.Signals) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return state
	}

	// Results are folded in wave-table order, not completion order, so the
	// final state (and therefore the aggregated evidence) is identical for
	// any permutation of intra-wave detector completions.
	outcomes := make([]detectorOutcome, len(eligible))
	var wg sync.WaitGroup
	for i, d := range eligible {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			outcomes[i] = s.runOne(ctx, d, state)
		}(i, d)
	}
	wg.Wait()

	for _, o := range outcomes {
		state = state.WithResult(o.name, o.result, o.elapsed)
	}
	return state
}

// runOne bounds a single detector by the lesser of the scheduler's
// detector timeout and whatever remains of the overall request deadline.
func (s *Scheduler) runOne(ctx context.Context, d Detector, state blackboard.State) detectorOutcome {
	start := time.Now()
	detCtx, cancel := context.WithTimeout(ctx, s.opts.DetectorTimeout)
	defer cancel()

	done := make(chan blackboard.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- blackboard.Result{Failed: true}
			}
		}()
		done <- d.Run(detCtx, state)
	}()

	select {
	case r := <-done:
		if r.Failed {
			botmetrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
		}
		return detectorOutcome{name: d.Name(), result: r, elapsed: time.Since(start)}
	case <-detCtx.Done():
		botmetrics.DetectorTimeouts.WithLabelValues(d.Name()).Inc()
		return detectorOutcome{name: d.Name(), result: blackboard.Result{Failed: true}, elapsed: time.Since(start)}
	}
}
