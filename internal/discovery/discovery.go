// Package discovery answers buyers' read-only queries: filtered search,
// proximity search and trending products.
package discovery

import (
	"context"
	"time"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/store"
)

const (
	// DefaultRadiusKm is the nearby search radius when none is given.
	DefaultRadiusKm = 50.0
	// DefaultTrendingDays is the trending look-back window in days.
	DefaultTrendingDays = 7
	// DefaultTrendingLimit caps the trending products returned.
	DefaultTrendingLimit = 10
)

// Service runs discovery queries. It never locks.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a discovery service. A nil now uses the wall clock.
func NewService(st store.Store, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: st, now: now}
}

// Search returns one page of active listings matching every predicate of f,
// newest first, along with the total number of matches.
func (s *Service) Search(ctx context.Context, f model.SearchFilter, limit, offset int) (*model.SearchResult, error) {
	const op = "search listings"
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit, offset, err := model.NormalizePage(op, limit, offset)
	if err != nil {
		return nil, err
	}

	listings, total, err := s.store.SearchListings(ctx, f, limit, offset)
	if err != nil {
		return nil, err
	}
	return &model.SearchResult{Listings: listings, Total: total, Limit: limit, Offset: offset}, nil
}

// FindNearby returns active listings within radiusKm of origin, nearest
// first. A zero radius means DefaultRadiusKm.
func (s *Service) FindNearby(ctx context.Context, origin geo.Point, radiusKm float64, f model.SearchFilter, limit int) ([]model.NearbyListing, error) {
	const op = "find nearby"
	if err := origin.Validate(); err != nil {
		return nil, model.Validationf(op, "%v", err)
	}
	if radiusKm == 0 {
		radiusKm = DefaultRadiusKm
	}
	if radiusKm < 0 {
		return nil, model.Validationf(op, "radius_km must be positive")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	limit, _, err := model.NormalizePage(op, limit, 0)
	if err != nil {
		return nil, err
	}
	return s.store.NearbyListings(ctx, origin, radiusKm, f, limit)
}

// Trending ranks products by active listings created within the last
// windowDays days.
func (s *Service) Trending(ctx context.Context, windowDays, limit int) ([]model.TrendingProduct, error) {
	const op = "trending products"
	if windowDays < 0 {
		return nil, model.Validationf(op, "days must be positive")
	}
	if windowDays == 0 {
		windowDays = DefaultTrendingDays
	}
	if limit == 0 {
		limit = DefaultTrendingLimit
	}
	limit, _, err := model.NormalizePage(op, limit, 0)
	if err != nil {
		return nil, err
	}

	since := s.now().AddDate(0, 0, -windowDays)
	return s.store.TrendingProducts(ctx, since, limit)
}
