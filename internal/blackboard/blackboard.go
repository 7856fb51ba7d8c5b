// Package blackboard implements the immutable shared state that detectors
// read and the orchestrator evolves functionally between waves, plus the
// trigger predicates that gate which detectors are eligible in a wave.
package blackboard

import (
	"net/http"
	"time"

	"github.com/kestrelsec/botwave/internal/evidence"
)

// Meta carries the request attributes the core's own RequestSnapshot
// contract exposes but net/http's Request has no field for: geo/ASN
// classification, protocol-level fingerprints, and the client-hint/visitor
// bookkeeping the behavioral detectors need. It travels alongside Request
// rather than folded into Signals because these are descriptive facts
// about the request, not detector-emitted scores.
type Meta struct {
	RemoteIP           string
	CountryCode        string
	ASN                string
	IsDatacenter       bool
	IsReturningVisitor bool
	ClusterID          string
	TLSFingerprint     string
	ClientPlatform     string
	ProtocolVersion    string
	ClientFingerprint  []byte
}

// State is an immutable snapshot of everything accumulated about a request
// so far. Detectors receive a State; they never mutate it. The orchestrator
// folds each detector's result into the next snapshot.
type State struct {
	Request            *http.Request
	Meta               Meta
	RequestID          string
	SignatureID        string
	ReceivedAt         time.Time
	CurrentRiskScore   float64
	Signals            map[string]float64
	CompletedDetectors map[string]struct{}
	FailedDetectors    map[string]struct{}
	Contributions      []evidence.Contribution
	Elapsed            time.Duration
}

// New creates the initial State for a request with no extra Meta, used by
// detectors and tests that only care about headers/path.
func New(req *http.Request, requestID, signatureID string, receivedAt time.Time) State {
	return NewWithMeta(req, requestID, signatureID, receivedAt, Meta{})
}

// NewWithMeta creates the initial State including the geo/protocol/visitor
// attributes the HTTP adapter derived from its RequestSnapshot.
func NewWithMeta(req *http.Request, requestID, signatureID string, receivedAt time.Time, meta Meta) State {
	return State{
		Request:            req,
		Meta:                meta,
		RequestID:          requestID,
		SignatureID:        signatureID,
		ReceivedAt:         receivedAt,
		Signals:            map[string]float64{},
		CompletedDetectors: map[string]struct{}{},
		FailedDetectors:    map[string]struct{}{},
	}
}

// Result is what a detector returns: new signals to publish and zero or
// more contributions toward the final evidence.
type Result struct {
	Signals       map[string]float64
	Contributions []evidence.Contribution
	Failed        bool
}

// WithResult returns a new State folding name's result in, without
// mutating s. This is how the orchestrator evolves state between waves.
func (s State) WithResult(name string, r Result, elapsed time.Duration) State {
	next := State{
		Request:            s.Request,
		Meta:               s.Meta,
		RequestID:          s.RequestID,
		SignatureID:        s.SignatureID,
		ReceivedAt:         s.ReceivedAt,
		CurrentRiskScore:   s.CurrentRiskScore,
		Signals:            copySignals(s.Signals),
		CompletedDetectors: copySet(s.CompletedDetectors),
		FailedDetectors:    copySet(s.FailedDetectors),
		Contributions:      append([]evidence.Contribution{}, s.Contributions...),
		Elapsed:            s.Elapsed + elapsed,
	}
	if r.Failed {
		next.FailedDetectors[name] = struct{}{}
		return next
	}
	next.CompletedDetectors[name] = struct{}{}
	for k, v := range r.Signals {
		next.Signals[k] = v
	}
	next.Contributions = append(next.Contributions, r.Contributions...)
	return next
}

func copySignals(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Trigger decides whether a detector is eligible to run given the current
// signal map.
type Trigger interface {
	Satisfied(signals map[string]float64) bool
}

// Always is a trigger that is always satisfied, used by Wave 0 detectors.
type Always struct{}

func (Always) Satisfied(map[string]float64) bool { return true }

// SignalExists is satisfied when a named signal is present at all.
type SignalExists struct{ Name string }

func (t SignalExists) Satisfied(signals map[string]float64) bool {
	_, ok := signals[t.Name]
	return ok
}

// SignalAtLeast is satisfied when a named signal is present and ≥ Threshold.
type SignalAtLeast struct {
	Name      string
	Threshold float64
}

func (t SignalAtLeast) Satisfied(signals map[string]float64) bool {
	v, ok := signals[t.Name]
	return ok && v >= t.Threshold
}

// Any is satisfied when any of its triggers is satisfied.
type Any []Trigger

func (a Any) Satisfied(signals map[string]float64) bool {
	for _, t := range a {
		if t.Satisfied(signals) {
			return true
		}
	}
	return false
}
