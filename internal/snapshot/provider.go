// Package snapshot persists diagnostic captures of the rendered page. One
// artifact is written per fetch attempt, named by run timestamp and city, so
// failures can be diagnosed later without reproducing the live scrape. The
// pipeline only ever writes snapshots; nothing reads them back.
package snapshot

import "context"

// Provider abstracts where snapshot artifacts land: local filesystem by
// default, a GCS bucket in deployed environments, or nowhere in tests.
type Provider interface {
	// Save writes one capture and returns the location it landed at.
	Save(ctx context.Context, name string, html []byte) (string, error)
}

// NoOpProvider discards snapshots. Used in tests and dry runs.
type NoOpProvider struct{}

// Save discards the capture.
func (NoOpProvider) Save(_ context.Context, name string, _ []byte) (string, error) {
	return "noop://" + name, nil
}
