package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after
// commit; reads check Redis first then fall back to the primary. A Redis
// outage degrades to primary reads.
//
// Each cached listing has a generation counter that commits bump along with
// the delete. A read-through only fills the cache if the generation it saw
// before reading the primary is still current, so a view read before a
// concurrent commit is never cached after that commit's invalidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// WithTx records every listing the transaction touches and drops their
// cached views once the primary has committed.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &touchingTx{touched: make(map[string]struct{})}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.ids())
	return nil
}

func (s *CachedStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	return s.primary.UpsertProduct(ctx, p)
}

func (s *CachedStore) UpsertLocation(ctx context.Context, l *model.Location) error {
	return s.primary.UpsertLocation(ctx, l)
}

func (s *CachedStore) UpsertHub(ctx context.Context, h *model.Hub) error {
	return s.primary.UpsertHub(ctx, h)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.ListingView, error) {
	var v model.ListingView
	if s.load(ctx, listingKey(id), &v) {
		return &v, nil
	}

	// Cache miss: read from primary, fenced by the generation seen first.
	gen, genErr := s.rdb.Get(ctx, generationKey(id)).Int64()
	fresh, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if genErr == nil || errors.Is(genErr, redis.Nil) {
		s.storeListing(ctx, id, gen, fresh)
	}
	return fresh, nil
}

func (s *CachedStore) TrendingProducts(ctx context.Context, since time.Time, limit int) ([]model.TrendingProduct, error) {
	// Windows are day-granular in practice; keying on the minute lets
	// concurrent callers share an entry.
	key := trendingKey(since.Truncate(time.Minute), limit)
	var trending []model.TrendingProduct
	if s.load(ctx, key, &trending) {
		return trending, nil
	}

	trending, err := s.primary.TrendingProducts(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, trending)
	return trending, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListingsByProducer(ctx context.Context, producerID string, status model.ListingStatus, limit, offset int) ([]model.ListingView, error) {
	return s.primary.ListingsByProducer(ctx, producerID, status, limit, offset)
}

func (s *CachedStore) SearchListings(ctx context.Context, f model.SearchFilter, limit, offset int) ([]model.ListingView, int, error) {
	return s.primary.SearchListings(ctx, f, limit, offset)
}

func (s *CachedStore) NearbyListings(ctx context.Context, origin geo.Point, radiusKm float64, f model.SearchFilter, limit int) ([]model.NearbyListing, error) {
	return s.primary.NearbyListings(ctx, origin, radiusKm, f, limit)
}

func (s *CachedStore) ListingStats(ctx context.Context, id string) (*model.ListingStats, error) {
	return s.primary.ListingStats(ctx, id)
}

func (s *CachedStore) ListBids(ctx context.Context, listingID string, status model.BidStatus) ([]model.Bid, error) {
	return s.primary.ListBids(ctx, listingID, status)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) OrdersByListing(ctx context.Context, listingID string) ([]model.Order, error) {
	return s.primary.OrdersByListing(ctx, listingID)
}

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return s.primary.GetProduct(ctx, id)
}

func (s *CachedStore) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	return s.primary.GetLocation(ctx, id)
}

func (s *CachedStore) GetHub(ctx context.Context, id string) (*model.Hub, error) {
	return s.primary.GetHub(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// errStaleRead aborts a fenced cache fill whose generation has moved on.
var errStaleRead = errors.New("listing changed during read")

// storeListing caches v only if the listing's generation is still gen.
func (s *CachedStore) storeListing(ctx context.Context, id string, gen int64, v *model.ListingView) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	key := generationKey(id)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, listingKey(id), data, s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, errStaleRead) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "listing_id", id, "error", err)
	}
}

// invalidate bumps the generation of every listing and drops its cached view
// in one MULTI, so fills racing with the commit see the new generation.
func (s *CachedStore) invalidate(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Incr(ctx, generationKey(id))
			p.Expire(ctx, generationKey(id), generationTTL)
			p.Del(ctx, listingKey(id))
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "listings", len(ids), "error", err)
	}
}

// generationTTL bounds how long an idle listing's counter lingers. A fill
// would have to span the whole TTL for an expired counter to repeat a value.
const generationTTL = 24 * time.Hour

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }

func generationKey(id string) string { return fmt.Sprintf("listing-gen:%s", id) }

func trendingKey(since time.Time, limit int) string {
	return fmt.Sprintf("trending:%d:%d", since.Unix(), limit)
}

// touchingTx passes through to the primary Tx and remembers which listings
// were written.
type touchingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *touchingTx) touch(listingID string) { t.touched[listingID] = struct{}{} }

func (t *touchingTx) ids() []string {
	ids := make([]string, 0, len(t.touched))
	for id := range t.touched {
		ids = append(ids, id)
	}
	return ids
}

func (t *touchingTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	// A locked listing is about to be written.
	t.touch(id)
	return t.Tx.LockListing(ctx, id)
}

func (t *touchingTx) InsertListing(ctx context.Context, l *model.Listing) error {
	t.touch(l.ID)
	return t.Tx.InsertListing(ctx, l)
}

func (t *touchingTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	t.touch(l.ID)
	return t.Tx.UpdateListing(ctx, l)
}

func (t *touchingTx) ExpireListings(ctx context.Context, expiredBefore model.Date, createdBefore, at time.Time) ([]model.ExpiredListing, error) {
	expired, err := t.Tx.ExpireListings(ctx, expiredBefore, createdBefore, at)
	for _, e := range expired {
		t.touch(e.ListingID)
	}
	return expired, err
}

func (t *touchingTx) InsertBid(ctx context.Context, b *model.Bid) error {
	t.touch(b.ListingID)
	return t.Tx.InsertBid(ctx, b)
}

func (t *touchingTx) RejectPendingBids(ctx context.Context, listingID, exceptBidID string, at time.Time) (int, error) {
	t.touch(listingID)
	return t.Tx.RejectPendingBids(ctx, listingID, exceptBidID, at)
}

func (t *touchingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touch(o.ListingID)
	return t.Tx.InsertOrder(ctx, o)
}
