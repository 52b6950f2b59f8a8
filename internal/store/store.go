// Package store defines the persistence interface for the listing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
//
// Every mutation runs inside WithTx. A Tx is the explicit transactional unit:
// either everything written through it commits, or nothing does.
package store

import (
	"context"
	"time"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
)

// Tx is a unit of work. It is only valid inside the WithTx callback that
// received it.
type Tx interface {
	// --- Listings ---

	// LockListing loads a listing and holds its row lock until the
	// transaction ends. Concurrent lockers of the same listing serialize here.
	LockListing(ctx context.Context, id string) (*model.Listing, error)

	// InsertListing persists a new listing.
	InsertListing(ctx context.Context, l *model.Listing) error

	// UpdateListing overwrites the mutable fields, status and updated_at.
	UpdateListing(ctx context.Context, l *model.Listing) error

	// ExpireListings moves every active listing whose expiry date is before
	// expiredBefore, or that was created before createdBefore, to expired.
	ExpireListings(ctx context.Context, expiredBefore model.Date, createdBefore, at time.Time) ([]model.ExpiredListing, error)

	// --- Bids ---

	// GetBid loads a bid.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// InsertBid persists a new pending bid.
	InsertBid(ctx context.Context, b *model.Bid) error

	// ResolveBid moves a pending bid to status. Fails with a conflict if the
	// bid is no longer pending.
	ResolveBid(ctx context.Context, id string, status model.BidStatus, at time.Time) error

	// RejectPendingBids rejects every pending bid of the listing except
	// exceptBidID (empty for none) as one set operation.
	RejectPendingBids(ctx context.Context, listingID, exceptBidID string, at time.Time) (int, error)

	// --- Orders ---

	// InsertOrder persists an order. At most one order may exist per listing.
	InsertOrder(ctx context.Context, o *model.Order) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithTx runs fn in a transaction. If fn returns an error the
	// transaction is rolled back and that error is returned unchanged.
	// Waiting for the write lock is bounded by ctx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Listing reads (no locking, read-committed) ---

	// GetListing returns the listing joined with catalog details and
	// pending-bid aggregates.
	GetListing(ctx context.Context, id string) (*model.ListingView, error)

	// ListingsByProducer returns a producer's listings, newest first.
	// An empty status means any status.
	ListingsByProducer(ctx context.Context, producerID string, status model.ListingStatus, limit, offset int) ([]model.ListingView, error)

	// SearchListings returns one page of active listings matching f, newest
	// first, and the total number of matches.
	SearchListings(ctx context.Context, f model.SearchFilter, limit, offset int) ([]model.ListingView, int, error)

	// NearbyListings returns active listings within radiusKm of origin,
	// nearest first. Listings without coordinates never match.
	NearbyListings(ctx context.Context, origin geo.Point, radiusKm float64, f model.SearchFilter, limit int) ([]model.NearbyListing, error)

	// TrendingProducts ranks products by active listings created since.
	TrendingProducts(ctx context.Context, since time.Time, limit int) ([]model.TrendingProduct, error)

	// ListingStats aggregates all bids and orders of a listing.
	ListingStats(ctx context.Context, id string) (*model.ListingStats, error)

	// --- Bid reads ---

	// ListBids returns the listing's bids in canonical order: price
	// descending, then earliest first. An empty status means any status.
	ListBids(ctx context.Context, listingID string, status model.BidStatus) ([]model.Bid, error)

	// --- Order reads ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	OrdersByListing(ctx context.Context, listingID string) ([]model.Order, error)

	// --- Catalog (mirrored from upstream) ---

	UpsertProduct(ctx context.Context, p *model.Product) error
	UpsertLocation(ctx context.Context, l *model.Location) error
	UpsertHub(ctx context.Context, h *model.Hub) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	GetLocation(ctx context.Context, id string) (*model.Location, error)
	GetHub(ctx context.Context, id string) (*model.Hub, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
