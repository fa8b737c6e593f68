package flush

import "github.com/pkg/errors"

var (
	// ErrMultiSegment rejects a request that needs flush sequencing but carries more than one
	// payload segment.
	ErrMultiSegment = errors.New("flush sequencing needs a single payload segment")
	// ErrNoCallback rejects a request without a completion callback.
	ErrNoCallback = errors.New("request has no completion callback")
)
