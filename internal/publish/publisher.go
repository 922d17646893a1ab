// Package publish delivers the terminal run summary to interested
// downstream consumers. Publishing is strictly fire-and-forget from the
// job's point of view: a delivery failure is logged, never propagated, and
// cannot change a run's outcome.
package publish

import "context"

// Publisher sends one payload to a named topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// NoOpPublisher drops every payload. It is the default: most deployments
// only consume the printed summary.
type NoOpPublisher struct{}

// Publish discards the payload.
func (NoOpPublisher) Publish(_ context.Context, _ string, _ any) (string, error) {
	return "noop", nil
}
