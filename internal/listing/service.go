// Package listing owns the lifecycle of sell offers: creation, producer
// edits, cancellation and the per-listing read models.
package listing

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

// Service implements the listing operations on top of a Store.
type Service struct {
	store store.Store
	feed  feed.Publisher
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p feed.Publisher) Option {
	return func(s *Service) { s.feed = p }
}

// NewService creates a listing service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		feed:  feed.Discard,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in and persists it as an active listing.
func (s *Service) Create(ctx context.Context, in model.NewListing) (*model.Listing, error) {
	const op = "create listing"

	grade, err := validateNew(op, &in)
	if err != nil {
		return nil, err
	}
	if err := s.checkCatalog(ctx, op, in); err != nil {
		return nil, err
	}

	now := s.now()
	photos := in.Photos
	if photos == nil {
		photos = []string{}
	}
	l := &model.Listing{
		ID:           uuid.New().String(),
		ProducerID:   in.ProducerID,
		ProductID:    in.ProductID,
		LocationID:   in.LocationID,
		Quantity:     in.Quantity,
		QualityGrade: grade,
		AskingPrice:  in.AskingPrice,
		HarvestDate:  in.HarvestDate,
		ExpiryDate:   in.ExpiryDate,
		Photos:       photos,
		Status:       model.ListingActive,
		HubID:        in.HubID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertListing(ctx, l)
	}); err != nil {
		return nil, err
	}

	metrics.ListingsCreated.WithLabelValues(string(grade)).Inc()
	slog.Info("listing created",
		"listing_id", l.ID,
		"producer_id", l.ProducerID,
		"product_id", l.ProductID,
		"quantity", l.Quantity.String(),
		"asking_price", l.AskingPrice.String(),
	)
	s.feed.Publish(feed.Event{
		Type:      feed.ListingCreated,
		ListingID: l.ID,
		ProductID: l.ProductID,
		Price:     l.AskingPrice.String(),
		Quantity:  l.Quantity.String(),
		At:        now,
	})
	return l, nil
}

func validateNew(op string, in *model.NewListing) (model.Grade, error) {
	switch {
	case in.ProducerID == "":
		return "", model.Validationf(op, "producer is required")
	case in.ProductID == "":
		return "", model.Validationf(op, "product_id is required")
	case in.LocationID == "":
		return "", model.Validationf(op, "location_id is required")
	case !in.Quantity.IsPositive():
		return "", model.Validationf(op, "quantity must be positive")
	case !in.AskingPrice.IsPositive():
		return "", model.Validationf(op, "asking_price must be positive")
	}
	if in.HarvestDate != nil && in.ExpiryDate != nil && in.ExpiryDate.Before(*in.HarvestDate) {
		return "", model.Validationf(op, "expiry_date precedes harvest_date")
	}

	if in.QualityGrade == "" {
		return model.GradeA, nil
	}
	grade, ok := model.ParseGrade(string(in.QualityGrade))
	if !ok {
		return "", model.Validationf(op, "unsupported quality_grade %q", in.QualityGrade)
	}
	return grade, nil
}

// checkCatalog turns unknown catalog references into validation errors.
func (s *Service) checkCatalog(ctx context.Context, op string, in model.NewListing) error {
	if _, err := s.store.GetProduct(ctx, in.ProductID); err != nil {
		return unknownRef(op, "product_id", in.ProductID, err)
	}
	if _, err := s.store.GetLocation(ctx, in.LocationID); err != nil {
		return unknownRef(op, "location_id", in.LocationID, err)
	}
	if in.HubID != "" {
		if _, err := s.store.GetHub(ctx, in.HubID); err != nil {
			return unknownRef(op, "hub_id", in.HubID, err)
		}
	}
	return nil
}

func unknownRef(op, field, id string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return model.Validationf(op, "unknown %s %q", field, id)
	}
	return err
}

// Update applies a producer's patch. Terminal listings are treated as absent.
func (s *Service) Update(ctx context.Context, id, ownerID string, patch model.ListingPatch) (*model.Listing, error) {
	const op = "update listing"
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *model.Listing
	var rejected int
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if l.Status.Terminal() {
			return model.NotFoundf(op, "listing %s not found", id)
		}
		if l.ProducerID != ownerID {
			return model.Conflictf(op, "listing %s is not owned by caller", id)
		}

		patch.Apply(l)
		if l.HarvestDate != nil && l.ExpiryDate != nil && l.ExpiryDate.Before(*l.HarvestDate) {
			return model.Validationf(op, "expiry_date precedes harvest_date")
		}
		l.UpdatedAt = s.now()

		if l.Status == model.ListingCancelled {
			if rejected, err = tx.RejectPendingBids(ctx, id, "", l.UpdatedAt); err != nil {
				return err
			}
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Status == model.ListingCancelled {
		s.cancelled(updated, rejected)
		return updated, nil
	}
	slog.Info("listing updated", "listing_id", id, "producer_id", ownerID)
	s.feed.Publish(feed.Event{
		Type:      feed.ListingUpdated,
		ListingID: id,
		ProductID: updated.ProductID,
		Price:     updated.AskingPrice.String(),
		Quantity:  updated.Quantity.String(),
		At:        updated.UpdatedAt,
	})
	return updated, nil
}

// Cancel soft-deletes an active listing owned by ownerID. Its pending bids
// are rejected in the same transaction.
func (s *Service) Cancel(ctx context.Context, id, ownerID string) (*model.Listing, error) {
	const op = "cancel listing"

	var cancelled *model.Listing
	var rejected int
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if l.ProducerID != ownerID {
			return model.Conflictf(op, "listing %s is not owned by caller", id)
		}
		if !l.Status.CanTransitionTo(model.ListingCancelled) {
			return model.Conflictf(op, "listing %s is %s", id, l.Status)
		}

		l.Status = model.ListingCancelled
		l.UpdatedAt = s.now()
		if rejected, err = tx.RejectPendingBids(ctx, id, "", l.UpdatedAt); err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		cancelled = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cancelled(cancelled, rejected)
	return cancelled, nil
}

func (s *Service) cancelled(l *model.Listing, rejected int) {
	metrics.ListingsClosed.WithLabelValues(string(model.ListingCancelled)).Inc()
	slog.Info("listing cancelled",
		"listing_id", l.ID,
		"producer_id", l.ProducerID,
		"bids_rejected", rejected,
	)
	s.feed.Publish(feed.Event{
		Type:      feed.ListingCancelled,
		ListingID: l.ID,
		ProductID: l.ProductID,
		Count:     rejected,
		At:        l.UpdatedAt,
	})
}

// Get returns the listing with its catalog details and bid aggregates.
func (s *Service) Get(ctx context.Context, id string) (*model.ListingView, error) {
	return s.store.GetListing(ctx, id)
}

// ListByProducer returns a producer's listings newest first. An empty status
// matches every status.
func (s *Service) ListByProducer(ctx context.Context, producerID string, status model.ListingStatus, limit, offset int) ([]model.ListingView, error) {
	const op = "list producer listings"
	if producerID == "" {
		return nil, model.Validationf(op, "producer is required")
	}
	if status != "" && !status.Valid() {
		return nil, model.Validationf(op, "unknown status %q", status)
	}
	limit, offset, err := model.NormalizePage(op, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.store.ListingsByProducer(ctx, producerID, status, limit, offset)
}

// Stats aggregates every bid and order of the listing.
func (s *Service) Stats(ctx context.Context, id string) (*model.ListingStats, error) {
	return s.store.ListingStats(ctx, id)
}
