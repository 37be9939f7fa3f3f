// Package decay holds the time-decay arithmetic shared by the digests.
//
// Decay follows the forward-decay model: an observation made at time t is
// given weight exp(alpha * (t - L)) where L is a landmark. Older observations
// thus weigh relatively less, and every so often all weights are rescaled to a
// more recent landmark so that exp() does not overflow.
package decay

import (
	"fmt"
	"math"
	"time"
)

const (
	// RescaleThreshold bounds the distance between the landmark and the
	// current time. It needs to be such that exp(alpha * seconds) does not
	// grow too big.
	RescaleThreshold = 50 * time.Second

	// ZeroWeightThreshold is the weight below which a bucket is considered
	// empty.
	ZeroWeightThreshold = 1e-5
)

// ComputeAlpha returns the decay factor such that an observation of age
// targetAge weighs targetWeight relative to a fresh one.
func ComputeAlpha(targetWeight float64, targetAge time.Duration) float64 {
	if targetWeight <= 0 || targetWeight >= 1 || targetAge <= 0 {
		panic(fmt.Sprintf("decay: invalid target (weight %v, age %v)", targetWeight, targetAge))
	}
	return -math.Log(targetWeight) / targetAge.Seconds()
}

// AlphaForHalfLife ...
func AlphaForHalfLife(halfLife time.Duration) float64 {
	return ComputeAlpha(0.5, halfLife)
}

// Factor is the multiplier that moves weights forward by elapsed.
func Factor(alpha float64, elapsed time.Duration) float64 {
	return math.Exp(-alpha * elapsed.Seconds())
}

// Weight is the forward-decay weight of an observation made at now, relative
// to landmark. Both are truncated to whole seconds.
func Weight(alpha float64, landmark, now time.Time) float64 {
	return math.Exp(alpha * float64(Seconds(now)-Seconds(landmark)))
}

// Seconds truncates t to whole unix seconds.
func Seconds(t time.Time) int64 {
	return t.Unix()
}

// ValidateAlpha checks that alpha is usable as a digest decay factor.
func ValidateAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha < 0 || alpha >= 1 {
		return fmt.Errorf("alpha must be in range [0, 1), got %v", alpha)
	}
	return nil
}
