// Package reporting wraps the digests into distributions that are cheap to
// update from many goroutines and that can be snapshotted periodically, either
// directly or through a Prometheus collector.
//
// A TimeDistribution tracks durations with a quantile digest. A Distribution
// tracks arbitrary float64 values with a decaying t-digest.
//
package reporting
