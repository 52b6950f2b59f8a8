// Package settlement turns an accepted bid into an order. AcceptBid is the
// single serialization point of the marketplace: for a given listing at most
// one call ever succeeds.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agrimart/listing-engine/internal/feed"
	"github.com/agrimart/listing-engine/internal/metrics"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/store"
)

// DefaultLockTimeout bounds a settlement when no timeout is configured.
const DefaultLockTimeout = 5 * time.Second

const op = "accept bid"

// Coordinator settles bids.
type Coordinator struct {
	store       store.Store
	feed        feed.Publisher
	now         func() time.Time
	lockTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPublisher sends settlement events to p.
func WithPublisher(p feed.Publisher) Option {
	return func(c *Coordinator) { c.feed = p }
}

// WithLockTimeout bounds how long a settlement may wait for and hold the
// listing lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		feed:        feed.Discard,
		now:         func() time.Time { return time.Now().UTC() },
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcceptBid accepts bidID on behalf of the listing's owner. In one
// transaction it accepts the bid, rejects every other pending bid, creates
// the order and marks the listing sold. Losing a race, a bid that is not
// pending, or a caller who does not own an active listing all yield
// ErrConflict; a lock that cannot be taken in time yields a retryable one.
func (c *Coordinator) AcceptBid(ctx context.Context, listingID, bidID, ownerID string) (*model.Order, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	var order *model.Order
	var rejected int
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		listing, bid, err := checkSettleable(ctx, tx, listingID, bidID, ownerID)
		if err != nil {
			return err
		}

		at := c.now()
		if err := tx.ResolveBid(ctx, bid.ID, model.BidAccepted, at); err != nil {
			return err
		}
		if rejected, err = tx.RejectPendingBids(ctx, listing.ID, bid.ID, at); err != nil {
			return err
		}

		order = &model.Order{
			ID:          uuid.New().String(),
			BuyerID:     bid.BidderID,
			ListingID:   listing.ID,
			SellerID:    listing.ProducerID,
			BidID:       bid.ID,
			Quantity:    bid.Quantity,
			AgreedPrice: bid.Price,
			Status:      model.OrderConfirmed,
			CreatedAt:   at,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		listing.Status = model.ListingSold
		listing.UpdatedAt = at
		return tx.UpdateListing(ctx, listing)
	})
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	metrics.Settlements.WithLabelValues(result(err)).Inc()

	if err != nil {
		slog.Warn("settlement failed",
			"listing_id", listingID,
			"bid_id", bidID,
			"retryable", model.IsRetryable(err),
			"error", err,
		)
		return nil, err
	}

	metrics.ListingsClosed.WithLabelValues(string(model.ListingSold)).Inc()
	slog.Info("bid accepted",
		"order_id", order.ID,
		"listing_id", order.ListingID,
		"bid_id", order.BidID,
		"buyer_id", order.BuyerID,
		"agreed_price", order.AgreedPrice.String(),
		"quantity", order.Quantity.String(),
		"bids_rejected", rejected,
	)
	c.feed.Publish(feed.Event{
		Type:      feed.ListingSold,
		ListingID: order.ListingID,
		BidID:     order.BidID,
		OrderID:   order.ID,
		Price:     order.AgreedPrice.String(),
		Quantity:  order.Quantity.String(),
		Count:     rejected,
		At:        order.CreatedAt,
	})
	return order, nil
}

// checkSettleable locks the listing and verifies every settlement
// precondition before anything is written. All precondition failures look
// the same to the caller.
func checkSettleable(ctx context.Context, tx store.Tx, listingID, bidID, ownerID string) (*model.Listing, *model.Bid, error) {
	listing, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return nil, nil, notSettleable(err)
	}
	bid, err := tx.GetBid(ctx, bidID)
	if err != nil {
		return nil, nil, notSettleable(err)
	}

	if bid.ListingID != listing.ID ||
		bid.Status != model.BidPending ||
		listing.ProducerID != ownerID ||
		listing.Status != model.ListingActive {
		return nil, nil, notSettleable(nil)
	}
	return listing, bid, nil
}

// notSettleable maps a missing row or failed precondition to the settlement
// conflict. Infrastructure errors pass through.
func notSettleable(err error) error {
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return model.Conflictf(op, "bid not found or already processed")
	}
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case model.IsRetryable(err):
		return "busy"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
