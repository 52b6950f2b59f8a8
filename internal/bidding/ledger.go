// Package bidding records buyers' counter-offers against active listings.
package bidding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrimart/listing-engine/internal/feed"
	"github.com/agrimart/listing-engine/internal/metrics"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/store"
)

// PlaceBid is the input for placing a bid.
type PlaceBid struct {
	ListingID string          `json:"-"`
	BidderID  string          `json:"-"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Message   string          `json:"message,omitempty"`
}

// Ledger places and lists bids.
type Ledger struct {
	store store.Store
	feed  feed.Publisher
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPublisher sends bid events to p.
func WithPublisher(p feed.Publisher) Option {
	return func(l *Ledger) { l.feed = p }
}

// NewLedger creates a bid ledger.
func NewLedger(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: st,
		feed:  feed.Discard,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Place records a pending bid. The listing row is locked while its status is
// checked and the bid inserted, so a bid never lands on a listing that
// settlement has already closed.
func (l *Ledger) Place(ctx context.Context, in PlaceBid) (*model.Bid, error) {
	const op = "place bid"
	switch {
	case in.ListingID == "":
		return nil, model.Validationf(op, "listing is required")
	case in.BidderID == "":
		return nil, model.Validationf(op, "bidder is required")
	case !in.Price.IsPositive():
		return nil, model.Validationf(op, "price must be positive")
	case !in.Quantity.IsPositive():
		return nil, model.Validationf(op, "quantity must be positive")
	}

	bid := &model.Bid{
		ID:        uuid.New().String(),
		ListingID: in.ListingID,
		BidderID:  in.BidderID,
		Price:     in.Price,
		Quantity:  in.Quantity,
		Message:   in.Message,
		Status:    model.BidPending,
	}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		listing, err := tx.LockListing(ctx, in.ListingID)
		if err != nil {
			return err
		}
		if listing.Status != model.ListingActive {
			return model.Conflictf(op, "listing %s is %s", listing.ID, listing.Status)
		}
		if listing.ProducerID == in.BidderID {
			return model.Validationf(op, "cannot bid on own listing")
		}
		if in.Quantity.GreaterThan(listing.Quantity) {
			return model.Validationf(op, "quantity %s exceeds listed %s", in.Quantity, listing.Quantity)
		}
		bid.CreatedAt = l.now()
		return tx.InsertBid(ctx, bid)
	})
	if err != nil {
		return nil, err
	}

	metrics.BidsPlaced.Inc()
	slog.Info("bid placed",
		"bid_id", bid.ID,
		"listing_id", bid.ListingID,
		"bidder_id", bid.BidderID,
		"price", bid.Price.String(),
		"quantity", bid.Quantity.String(),
	)
	l.feed.Publish(feed.Event{
		Type:      feed.BidPlaced,
		ListingID: bid.ListingID,
		BidID:     bid.ID,
		Price:     bid.Price.String(),
		Quantity:  bid.Quantity.String(),
		At:        bid.CreatedAt,
	})
	return bid, nil
}

// ListForListing returns the listing's bids, highest price first and then
// earliest. An empty status matches every status.
func (l *Ledger) ListForListing(ctx context.Context, listingID string, status model.BidStatus) ([]model.Bid, error) {
	if status != "" && !status.Valid() {
		return nil, model.Validationf("list bids", "unknown status %q", status)
	}
	if _, err := l.store.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	return l.store.ListBids(ctx, listingID, status)
}

// Leader returns the current leading pending bid.
func (l *Ledger) Leader(ctx context.Context, listingID string) (*model.Bid, error) {
	bids, err := l.ListForListing(ctx, listingID, model.BidPending)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, model.NotFoundf("leading bid", "listing %s has no pending bids", listingID)
	}
	return &bids[0], nil
}
