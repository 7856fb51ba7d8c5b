package httpadapter

import (
	"context"

	"github.com/kestrelsec/botwave/internal/engine"
)

// GeoLookup is the pluggable seam for geo/ASN classification: sourcing an
// IP-to-geo/ASN dataset is an explicit non-goal of the core, so the adapter
// takes this interface rather than bundling a specific provider. A nil
// Lookup leaves every request's GeoInfo at its zero value, which the
// detectors treat as "no geo signal available" rather than an error.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (engine.GeoInfo, error)
}

// NoGeoLookup is the default: every request gets an empty GeoInfo. Wiring a
// real MaxMind/IP2Location/ASN-database-backed implementation behind
// GeoLookup is left to the deployment.
type NoGeoLookup struct{}

func (NoGeoLookup) Lookup(context.Context, string) (engine.GeoInfo, error) {
	return engine.GeoInfo{}, nil
}
