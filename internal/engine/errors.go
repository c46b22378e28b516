package engine

import "errors"

// Error kinds of a sync pass.
var (
	// ErrConfiguration marks a mapping that does not match the target schema,
	// such as a field slug missing from the collection. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientRemote marks rate limits, 5xx answers and transport failures.
	// Reads retry on it; writes surface it as is.
	ErrTransientRemote = errors.New("transient remote error")
	// ErrStaleReference marks a cached item id that no longer resolves and
	// could not be recreated.
	ErrStaleReference = errors.New("stale reference")
	// ErrDegradedResolution marks a reference or option lookup that failed.
	// The field is omitted and the record still syncs.
	ErrDegradedResolution = errors.New("degraded resolution")
	// ErrOptionSettleTimeout is returned when a created option never became
	// visible in the schema within the settle policy.
	ErrOptionSettleTimeout = errors.New("option not visible after settle attempts")
)
