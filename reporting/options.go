package reporting

import (
	"fmt"
	"time"

	"github.com/axiomhq/digest"
	"github.com/axiomhq/digest/decay"
)

type options struct {
	alpha       float64
	halfLife    *time.Duration
	clock       decay.Clock
	unit        time.Duration
	compression float64
}

func defaultOptions() options {
	return options{
		clock:       decay.SystemClock{},
		unit:        time.Second,
		compression: digest.DefaultCompression,
	}
}

func newOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.halfLife != nil {
		if *o.halfLife <= 0 {
			return o, fmt.Errorf("half-life must be positive, got %v", *o.halfLife)
		}
		o.alpha = decay.AlphaForHalfLife(*o.halfLife)
	}
	return o, nil
}

// Option overrides the defaults of a TimeDistribution or a Distribution.
//
type Option func(o *options)

// WithAlpha makes older values decay exponentially. See decay.ComputeAlpha.
//
func WithAlpha(alpha float64) Option {
	return func(o *options) {
		o.alpha = alpha
		o.halfLife = nil
	}
}

// WithHalfLife is WithAlpha expressed as the age at which a value weighs half
// as much as a fresh one.
//
func WithHalfLife(halfLife time.Duration) Option {
	return func(o *options) {
		o.halfLife = &halfLife
	}
}

// WithClock sets the time source used for decay and merge scheduling.
//
func WithClock(v decay.Clock) Option {
	return func(o *options) {
		if v != nil {
			o.clock = v
		}
	}
}

// WithUnit sets the unit reported values of a TimeDistribution are expressed
// in. Defaults to seconds.
//
func WithUnit(v time.Duration) Option {
	return func(o *options) {
		o.unit = v
	}
}

// WithCompression sets the t-digest compression of a Distribution.
//
func WithCompression(v float64) Option {
	return func(o *options) {
		o.compression = v
	}
}
