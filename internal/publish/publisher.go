// Package publish writes the aggregated record to the shared store as a
// single atomic replacement. A reader observes either the previous full
// record or the new one, never a mix.
package publish

import (
	"context"
	"fmt"

	"maflow/internal/aggregate"
)

// Publisher replaces the published record and reads the latest one back.
type Publisher interface {
	Publish(ctx context.Context, record aggregate.PublishedRecord) error
	Latest(ctx context.Context) (*aggregate.PublishedRecord, error)
}

// PublishError is a run-fatal store failure. The previously published record
// remains the externally visible state.
type PublishError struct {
	StatusCode int
	Err        error
}

func (e *PublishError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("publish failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
