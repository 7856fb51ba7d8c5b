// Package botreport reports fatal engine errors to Sentry, scrubbed of
// raw request attributes. Detector-level transient failures and timeouts
// are never sent here — only the errors that short-circuit the whole
// engine to Allow+LogOnly.
package botreport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config configures Sentry reporting. DSN empty disables reporting entirely.
type Config struct {
	DSN              string
	Environment      string
	Release          string
	TracesSampleRate float64
}

// Init configures the global Sentry client. A no-op when DSN is empty, so
// hosts that don't want fatal-error reporting can simply omit it.
func Init(cfg Config) error {
	if cfg.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		TracesSampleRate: cfg.TracesSampleRate,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrub(event)
		},
	})
	if err != nil {
		return fmt.Errorf("botreport: init sentry: %w", err)
	}
	return nil
}

// Close flushes buffered events.
func Close() {
	sentry.Flush(2 * time.Second)
}

func scrub(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	if event.Request != nil {
		if event.Request.Headers != nil {
			delete(event.Request.Headers, "Authorization")
			delete(event.Request.Headers, "Cookie")
			delete(event.Request.Headers, "X-Forwarded-For")
		}
		event.Request.QueryString = "[REDACTED]"
	}
	for _, bc := range event.Breadcrumbs {
		if bc.Data != nil {
			delete(bc.Data, "remote_ip")
			delete(bc.Data, "user_agent")
		}
	}
	return event
}

func hashSignature(sig string) string {
	sum := sha256.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:8])
}

// CaptureFatal reports a category-5 fatal error: the signature id (if any)
// is hashed before being attached as a tag, never logged raw.
func CaptureFatal(ctx context.Context, err error, signatureID string, component string) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		if signatureID != "" {
			scope.SetTag("signature_hash", hashSignature(signatureID))
		}
		scope.SetLevel(sentry.LevelFatal)
	})
	hub.CaptureException(err)
}
