package synchro

import (
	"context"
	"errors"

	"github.com/hazyhaar/moisson/synchro/internal/fetch"
)

// Stage sentinels. Every per-source failure is wrapped in exactly one of
// these so callers and summaries can tell which stage lost the source.
var (
	ErrSourceFetch        = errors.New("synchro: source fetch failed")
	ErrVersioning         = errors.New("synchro: version check failed")
	ErrDuplicateDetection = errors.New("synchro: duplicate detection failed")
	ErrContentProcess     = errors.New("synchro: content processing failed")
	ErrEmbedding          = errors.New("synchro: embedding failed")
	ErrCacheIO            = errors.New("synchro: cache io failed")
)

// Classify maps an error to its stage sentinel, or nil when it carries none.
func Classify(err error) error {
	for _, sentinel := range []error{
		ErrSourceFetch,
		ErrVersioning,
		ErrDuplicateDetection,
		ErrContentProcess,
		ErrEmbedding,
		ErrCacheIO,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// Retryable reports whether a fetch error is worth another attempt.
// Policy violations and canceled contexts are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fetch.ErrSSRF) || errors.Is(err, fetch.ErrUnsafeScheme) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// retryableStatus reports whether an HTTP status is transient. Zero means
// the request never produced a response (network error), which is retryable.
func retryableStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
