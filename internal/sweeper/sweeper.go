// Package sweeper moves stale listings to expired.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/agrimart/listing-engine/internal/feed"
	"github.com/agrimart/listing-engine/internal/metrics"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/store"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = time.Hour
	// DefaultRetention is the age after which an active listing expires.
	DefaultRetention = 30 * 24 * time.Hour
)

// Config controls the sweep schedule and the age limit.
type Config struct {
	Interval  time.Duration // between sweeps in Run
	Retention time.Duration // listings created longer ago than this expire
}

// Sweeper expires listings past their expiry date or retention window.
type Sweeper struct {
	store store.Store
	feed  feed.Publisher
	now   func() time.Time
	cfg   Config
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithPublisher sends expiry events to p.
func WithPublisher(p feed.Publisher) Option {
	return func(s *Sweeper) { s.feed = p }
}

// New creates a sweeper. Zero config fields take their defaults.
func New(st store.Store, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Sweeper{
		store: st,
		feed:  feed.Discard,
		now:   func() time.Time { return time.Now().UTC() },
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExpireOldListings expires, in one transaction, every active listing whose
// expiry date is before today (UTC) or that was created before today minus
// the retention window, and rejects their pending bids. Running it twice in a
// row returns nothing the second time.
func (s *Sweeper) ExpireOldListings(ctx context.Context) ([]model.ExpiredListing, error) {
	start := time.Now()
	now := s.now()
	today := model.DateOf(now)
	createdBefore := today.Add(-s.cfg.Retention)

	var expired []model.ExpiredListing
	rejected := 0
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ExpireListings(ctx, today, createdBefore, now)
		if err != nil {
			return err
		}
		for _, e := range expired {
			n, err := tx.RejectPendingBids(ctx, e.ListingID, "", now)
			if err != nil {
				return err
			}
			rejected += n
		}
		return nil
	})
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if expired == nil {
		expired = []model.ExpiredListing{}
	}

	if len(expired) > 0 {
		metrics.ListingsClosed.WithLabelValues(string(model.ListingExpired)).Add(float64(len(expired)))
		s.feed.Publish(feed.Event{Type: feed.ListingsExpired, Count: len(expired), At: now})
	}
	slog.Info("expiry sweep complete",
		"expired", len(expired),
		"bids_rejected", rejected,
		"today", today.String(),
	)
	return expired, nil
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled. Sweep failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "interval", s.cfg.Interval.String(), "retention", s.cfg.Retention.String())
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ExpireOldListings(ctx); err != nil && ctx.Err() == nil {
			slog.Error("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
