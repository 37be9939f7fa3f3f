package digest

// Error is a sentinel error returned by the digests.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrInvalidQuantile is returned for a quantile outside [0, 1].
	ErrInvalidQuantile = Error("quantile must be in range [0, 1]")
	// ErrUnsortedQuantiles is returned when a quantile list is not ascending.
	ErrUnsortedQuantiles = Error("quantiles must be sorted in increasing order")
	// ErrUnsortedBounds is returned when histogram bounds are not ascending.
	ErrUnsortedBounds = Error("histogram bounds must be sorted in increasing order")
	// ErrInvalidValue is returned when adding NaN or infinite values or negative weights.
	ErrInvalidValue = Error("value must be a finite number with a non-negative weight")
	// ErrIncompatibleDigest is returned when merging digests built with different parameters.
	ErrIncompatibleDigest = Error("digests have incompatible parameters")
	// ErrSelfMerge ...
	ErrSelfMerge = Error("cannot merge a digest into itself")
	// ErrCorrupted is returned when decoding malformed serialized data.
	ErrCorrupted = Error("corrupted serialized digest")
)
