// Package archive keeps raw worker transcripts after a run, on the local
// filesystem or in S3.
package archive

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for keys that were never stored.
var ErrNotFound = errors.New("archive object not found")

// Archive stores opaque blobs by key.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// TranscriptKey is where the transcript of an execution is stored.
func TranscriptKey(executionID string) string {
	return fmt.Sprintf("executions/%s/transcript.log", executionID)
}

// New returns the archive for kind: "none" (or empty), "local" or "s3".
// location is the base directory or the bucket name.
func New(ctx context.Context, kind, location string) (Archive, error) {
	switch kind {
	case "", "none":
		return Noop{}, nil
	case "local":
		return NewLocal(location)
	case "s3":
		return NewS3(ctx, location)
	default:
		return nil, errors.Errorf("unknown archive type: %s", kind)
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) Put(context.Context, string, []byte) error { return nil }

func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
