package reporting

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collector implements the prometheus Collector interface, exposing every
// registered distribution as a summary whenever a scrape is received.
//
type Collector struct {
	namespace string
	log       logr.Logger

	mu                sync.RWMutex
	timeDistributions map[string]*TimeDistribution
	distributions     map[string]*Distribution
}

// ensure that we implement prometheus' collector interface.
//
var _ prometheus.Collector = &Collector{}

// CollectorOption is a functional argument that overrides the defaults of a
// Collector.
//
type CollectorOption func(c *Collector)

// WithNamespace prefixes every metric name.
//
func WithNamespace(v string) CollectorOption {
	return func(c *Collector) {
		c.namespace = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) CollectorOption {
	return func(c *Collector) {
		c.log = v
	}
}

// NewCollector returns a Collector with no distributions.
//
func NewCollector(opts ...CollectorOption) (*Collector, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Collector{
		log:               zapr.NewLogger(defaultLogger.Named("collector")),
		timeDistributions: map[string]*TimeDistribution{},
		distributions:     map[string]*Distribution{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Collector) checkNameLocked(name string) error {
	if name == "" {
		return fmt.Errorf("empty distribution name")
	}
	_, timeFound := c.timeDistributions[name]
	_, found := c.distributions[name]
	if timeFound || found {
		return fmt.Errorf("distribution '%s' already registered", name)
	}
	return nil
}

// RegisterTimeDistribution exposes td as the summary `name` and its observed
// error as the gauge `name_max_error`.
//
func (c *Collector) RegisterTimeDistribution(name string, td *TimeDistribution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNameLocked(name); err != nil {
		return err
	}
	c.timeDistributions[name] = td
	c.log.WithValues("name", name, "unit", td.Unit()).Info("registered time distribution")
	return nil
}

// RegisterDistribution exposes d as the summary `name`.
//
func (c *Collector) RegisterDistribution(name string, d *Distribution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNameLocked(name); err != nil {
		return err
	}
	c.distributions[name] = d
	c.log.WithValues("name", name).Info("registered distribution")
	return nil
}

// Unregister removes the distribution registered as name, reporting whether
// there was one.
//
func (c *Collector) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, timeFound := c.timeDistributions[name]
	_, found := c.distributions[name]
	delete(c.timeDistributions, name)
	delete(c.distributions, name)
	return timeFound || found
}

// Names lists the registered distributions in lexical order.
//
func (c *Collector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.timeDistributions)+len(c.distributions))
	for name := range c.timeDistributions {
		names = append(names, name)
	}
	for name := range c.distributions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe implements the Describe function of the Collector interface.
//
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	// Distributions can be registered at any time, so descriptions are
	// only presented at collection time.
}

// Collect implements the Collect function of the Collector interface.
//
// Every distribution is snapshotted concurrently.
//
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var g errgroup.Group

	c.mu.RLock()
	for name, td := range c.timeDistributions {
		name, td := name, td

		g.Go(func() error {
			if err := c.collectTimeDistribution(ch, name, td); err != nil {
				return fmt.Errorf("%s collect: %w", name, err)
			}

			return nil
		})
	}
	for name, d := range c.distributions {
		name, d := name, d

		g.Go(func() error {
			if err := c.collectDistribution(ch, name, d); err != nil {
				return fmt.Errorf("%s collect: %w", name, err)
			}

			return nil
		})
	}
	c.mu.RUnlock()

	if err := g.Wait(); err != nil {
		c.log.Error(err, "wait")
	}
}

func (c *Collector) collectTimeDistribution(
	ch chan<- prometheus.Metric, name string, td *TimeDistribution,
) error {
	snapshot := td.Snapshot()

	summaryDesc := prometheus.NewDesc(
		prometheus.BuildFQName(c.namespace, "", name),
		"time distribution in units of "+snapshot.Unit,
		nil, nil,
	)
	summary, err := prometheus.NewConstSummary(
		summaryDesc,
		sampleCount(float64(snapshot.Count)),
		0,
		snapshot.Quantiles(),
	)
	if err != nil {
		return fmt.Errorf("new const summary: %w", err)
	}

	maxErrorDesc := prometheus.NewDesc(
		prometheus.BuildFQName(c.namespace, "", name+"_max_error"),
		"rank error observed in the quantile digest",
		nil, nil,
	)
	maxError, err := prometheus.NewConstMetric(
		maxErrorDesc,
		prometheus.GaugeValue,
		float64(snapshot.MaxError),
	)
	if err != nil {
		return fmt.Errorf("new const metric: %w", err)
	}

	ch <- summary
	ch <- maxError

	return nil
}

func (c *Collector) collectDistribution(
	ch chan<- prometheus.Metric, name string, d *Distribution,
) error {
	snapshot := d.Snapshot()

	desc := prometheus.NewDesc(
		prometheus.BuildFQName(c.namespace, "", name),
		"decaying distribution of values",
		nil, nil,
	)
	summary, err := prometheus.NewConstSummary(
		desc,
		sampleCount(float64(snapshot.Count)),
		0,
		snapshot.Quantiles(),
	)
	if err != nil {
		return fmt.Errorf("new const summary: %w", err)
	}

	ch <- summary

	return nil
}

// sampleCount rounds a decayed count to the integer count summaries carry.
func sampleCount(count float64) uint64 {
	if !(count > 0) {
		return 0
	}
	return uint64(math.Round(count))
}
