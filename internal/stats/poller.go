// Package stats polls the camera's capture metadata on its own cadence.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
)

// Snapshot is the latest metadata view.
type Snapshot struct {
	Metadata  *domain.Metadata `json:"metadata,omitempty"`
	Online    bool             `json:"online"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Poller fetches metadata immediately and then every interval.
type Poller struct {
	fetcher   domain.MetadataFetcher
	interval  time.Duration
	newTicker domain.TickerFunc
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewPoller creates a Poller. newTicker and m may be nil.
func NewPoller(fetcher domain.MetadataFetcher, interval time.Duration, newTicker domain.TickerFunc, m *metrics.Metrics) *Poller {
	if newTicker == nil {
		newTicker = domain.NewTicker
	}
	return &Poller{
		fetcher:   fetcher,
		interval:  interval,
		newTicker: newTicker,
		metrics:   m,
		now:       time.Now,
	}
}

// Snapshot returns the most recent result.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Run polls until ctx is cancelled. The ticker is stopped before Run returns.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.newTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	md, err := p.fetcher.FetchMetadata(ctx)
	if ctx.Err() != nil && err != nil {
		return
	}
	p.metrics.ObserveStatsFetch(err == nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.FetchedAt = p.now()
	if err != nil {
		log.Debug().Str("module", "stats").Err(err).Msg("metadata fetch failed")
		p.snap.Online = false
		return
	}
	p.snap.Metadata = md
	p.snap.Online = true
}

// FormatAge renders how long ago the capture was taken.
func FormatAge(md *domain.Metadata, now time.Time) string {
	if md == nil {
		return "Loading..."
	}
	seconds := int64(now.Sub(time.Unix(md.LastModified, 0)) / time.Second)
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds ago", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	default:
		return fmt.Sprintf("%dh ago", seconds/3600)
	}
}

// FormatSize renders a capture size in kilobytes.
func FormatSize(md *domain.Metadata) string {
	if md == nil {
		return ""
	}
	return fmt.Sprintf("%.1f KB", md.SizeKB)
}
