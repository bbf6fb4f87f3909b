package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Synchronizer is the part of [Engine] the poller drives.
type Synchronizer interface {
	Synchronize(ctx context.Context, orgID string) (Stats, error)
}

// Poller synchronizes a fixed set of organizations on an interval. Create one
// with [NewPoller] and start it with [Poller.Run].
type Poller struct {
	target   Synchronizer
	orgIDs   []string
	interval time.Duration
	log      *slog.Logger
}

// NewPoller creates a Poller for orgIDs.
func NewPoller(s Synchronizer, orgIDs []string, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		target:   s,
		orgIDs:   append([]string(nil), orgIDs...),
		interval: interval,
		log:      logger,
	}
}

// RunOnce synchronizes every organization concurrently and returns the
// aggregated stats. A failing organization does not stop the others; the
// joined errors are returned.
func (p *Poller) RunOnce(ctx context.Context) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
		errs  []error
	)

	var g errgroup.Group
	for _, orgID := range p.orgIDs {
		g.Go(func() error {
			stats, err := p.target.Synchronize(ctx, orgID)

			mu.Lock()
			defer mu.Unlock()
			total.Add(stats)
			if err != nil {
				p.log.Error("synchronize failed", "org", orgID, "error", err)
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return total, errors.Join(errs...)
}

// Run performs an immediate pass and then one per tick. It blocks until ctx
// is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller shutting down")
			return ctx.Err()
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

func (p *Poller) pass(ctx context.Context) {
	stats, err := p.RunOnce(ctx)
	if err != nil {
		p.log.Warn("poll pass finished with errors", "organizations", len(p.orgIDs), "error", err)
		return
	}
	p.log.Info("poll pass complete",
		"organizations", len(p.orgIDs),
		"pulled", stats.Pulled,
		"pushed", stats.Pushed,
		"push_failed", stats.PushFailed,
	)
}
