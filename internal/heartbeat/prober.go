// Package heartbeat tells the camera server a viewer is present and tracks
// whether it answers.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
)

// DefaultInterval is the fixed probe cadence.
const DefaultInterval = 2 * time.Second

// Prober probes a Pinger on a fixed interval. It never backs off.
type Prober struct {
	pinger    domain.Pinger
	interval  time.Duration
	timeout   time.Duration
	newTicker domain.TickerFunc
	metrics   *metrics.Metrics
}

// Option customizes a Prober.
type Option func(*Prober)

// WithTicker replaces the ticker source, mainly for tests.
func WithTicker(fn domain.TickerFunc) Option {
	return func(p *Prober) { p.newTicker = fn }
}

// WithTimeout bounds each probe. Defaults to the interval.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithMetrics records probe results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

// New creates a Prober. A non-positive interval uses DefaultInterval.
func New(pinger domain.Pinger, interval time.Duration, opts ...Option) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Prober{
		pinger:    pinger,
		interval:  interval,
		newTicker: domain.NewTicker,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = interval
	}
	return p
}

// Interval returns the probe cadence.
func (p *Prober) Interval() time.Duration {
	return p.interval
}

// Probe sends one liveness signal and reports whether it succeeded.
// Failures are routine while the camera is idle and are only logged.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	p.metrics.ObserveProbe(err == nil)
	if err != nil {
		log.Debug().Str("module", "heartbeat").Err(err).Msg("probe failed")
		return false
	}
	return true
}

// Run probes immediately and then on every tick until ctx is cancelled,
// passing each result to report. The ticker is stopped before Run returns.
func (p *Prober) Run(ctx context.Context, report func(up bool)) {
	ticker := p.newTicker(p.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		up := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		report(up)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}
