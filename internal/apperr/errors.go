// Package apperr defines the sentinel errors shared across packages.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrNetworkUnavailable means neither a fetch nor a valid cache could
	// serve the request. Retryable.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrMalformedHierarchy means the structure is cyclic or too deep to lay out.
	ErrMalformedHierarchy = errors.New("malformed hierarchy")
	// ErrEnrichmentFetchFailed marks a batch that exhausted its retries.
	ErrEnrichmentFetchFailed = errors.New("enrichment fetch failed")
	// ErrRecordUnavailable means a cross-reference target is tombstoned or missing.
	ErrRecordUnavailable = errors.New("record unavailable")
	// ErrLockTimeout means the cross-reference lock was held too long. Retryable.
	ErrLockTimeout = errors.New("lock timeout")
)
