// Package metrics exports delivery and membership counters to Prometheus.
package metrics

import (
	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "coopsync").
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Registry receives the collectors.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "coopsync",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collectors implements transport.Observer and tracks the lobby size.
type Collectors struct {
	datagrams   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	resends     prometheus.Counter
	confirmed   prometheus.Counter
	exhausted   prometheus.Counter
	duplicates  prometheus.Counter
	rateLimited prometheus.Counter
	peers       prometheus.Gauge
	hosting     prometheus.Gauge
}

var _ transport.Observer = (*Collectors)(nil)

// New registers the collectors and returns them.
func New(opts ...Option) *Collectors {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &Collectors{
		datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "transport",
			Name:        "datagrams_total",
			Help:        "UDP datagrams by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "transport",
			Name:        "bytes_total",
			Help:        "UDP payload bytes by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		resends:     counter("resends_total", "Reliable packets sent again after a confirmation timeout"),
		confirmed:   counter("confirmed_total", "Reliable packets confirmed by the receiver"),
		exhausted:   counter("exhausted_total", "Reliable packets that ran out of resends"),
		duplicates:  counter("duplicates_total", "Received datagrams dropped as duplicates"),
		rateLimited: counter("rate_limited_total", "Received datagrams dropped by the per-source rate limit"),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "peers",
			Help:        "Peers in the session, local peer included",
			ConstLabels: cfg.ConstLabels,
		}),

		hosting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "is_host",
			Help:        "1 while the local peer is the host",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (c *Collectors) DatagramSent(n int) {
	c.datagrams.WithLabelValues("out").Inc()
	c.bytes.WithLabelValues("out").Add(float64(n))
}

func (c *Collectors) DatagramReceived(n int) {
	c.datagrams.WithLabelValues("in").Inc()
	c.bytes.WithLabelValues("in").Add(float64(n))
}

func (c *Collectors) Resent()      { c.resends.Inc() }
func (c *Collectors) Confirmed()   { c.confirmed.Inc() }
func (c *Collectors) Exhausted()   { c.exhausted.Inc() }
func (c *Collectors) Duplicate()   { c.duplicates.Inc() }
func (c *Collectors) RateLimited() { c.rateLimited.Inc() }

// PeersChanged updates the membership gauges. Its signature matches
// session.PeersChangedHandler.
func (c *Collectors) PeersChanged(peers []peer.Info) {
	c.peers.Set(float64(len(peers)))
	hosting := 0.0
	for _, p := range peers {
		if p.Local && p.IsHost {
			hosting = 1
		}
	}
	c.hosting.Set(hosting)
}
