// Package model defines the core domain types shared across the listing engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimart/listing-engine/internal/geo"
)

// ListingStatus is the lifecycle state of a listing.
// Transitions: active → {sold | cancelled | expired}. Terminal states are final.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// Valid reports whether s is a known status.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingActive, ListingSold, ListingCancelled, ListingExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s ListingStatus) Terminal() bool {
	return s == ListingSold || s == ListingCancelled || s == ListingExpired
}

// CanTransitionTo reports whether s → next is a legal move.
func (s ListingStatus) CanTransitionTo(next ListingStatus) bool {
	return s == ListingActive && next.Terminal()
}

// Grade is the quality grade of the offered produce.
type Grade string

const (
	GradeA       Grade = "A"
	GradeB       Grade = "B"
	GradeC       Grade = "C"
	GradeOrganic Grade = "Organic"
	GradePremium Grade = "Premium"
)

var grades = []Grade{GradeA, GradeB, GradeC, GradeOrganic, GradePremium}

// Valid reports whether g is one of the allowed grades.
func (g Grade) Valid() bool {
	return slices.Contains(grades, g)
}

// ParseGrade resolves s case-insensitively to a canonical grade.
func ParseGrade(s string) (Grade, bool) {
	for _, g := range grades {
		if strings.EqualFold(string(g), strings.TrimSpace(s)) {
			return g, true
		}
	}
	return "", false
}

// BidStatus is the resolution state of a bid. A bid is resolved exactly once.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Valid reports whether s is a known bid status.
func (s BidStatus) Valid() bool {
	return s == BidPending || s == BidAccepted || s == BidRejected
}

// OrderStatus is the fulfillment state of an order. Fulfillment beyond
// creation is owned downstream.
type OrderStatus string

const OrderConfirmed OrderStatus = "confirmed"

// Listing is a producer's offer to sell a fixed quantity of a product.
type Listing struct {
	ID           string          `json:"id" db:"id"`
	ProducerID   string          `json:"producer_id" db:"producer_id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	LocationID   string          `json:"location_id" db:"location_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	QualityGrade Grade           `json:"quality_grade" db:"quality_grade"`
	AskingPrice  decimal.Decimal `json:"asking_price" db:"asking_price"`
	HarvestDate  *Date           `json:"harvest_date,omitempty" db:"harvest_date"`
	ExpiryDate   *Date           `json:"expiry_date,omitempty" db:"expiry_date"`
	Photos       []string        `json:"photos" db:"photos"`
	Status       ListingStatus   `json:"status" db:"status"`
	HubID        string          `json:"hub_id,omitempty" db:"hub_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (l Listing) Clone() Listing {
	c := l
	c.Photos = slices.Clone(l.Photos)
	if l.HarvestDate != nil {
		d := *l.HarvestDate
		c.HarvestDate = &d
	}
	if l.ExpiryDate != nil {
		d := *l.ExpiryDate
		c.ExpiryDate = &d
	}
	return c
}

// NewListing is the input for creating a listing.
type NewListing struct {
	ProducerID   string          `json:"-"`
	ProductID    string          `json:"product_id"`
	LocationID   string          `json:"location_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	QualityGrade Grade           `json:"quality_grade"`
	AskingPrice  decimal.Decimal `json:"asking_price"`
	HarvestDate  *Date           `json:"harvest_date,omitempty"`
	ExpiryDate   *Date           `json:"expiry_date,omitempty"`
	Photos       []string        `json:"photos,omitempty"`
	HubID        string          `json:"hub_id,omitempty"`
}

// Bid is a buyer's counter-offer against a listing.
type Bid struct {
	ID         string          `json:"id" db:"id"`
	ListingID  string          `json:"listing_id" db:"listing_id"`
	BidderID   string          `json:"bidder_id" db:"bidder_id"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Message    string          `json:"message,omitempty" db:"message"`
	Status     BidStatus       `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Order is the immutable record created by a successful settlement.
type Order struct {
	ID          string          `json:"id" db:"id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	ListingID   string          `json:"listing_id" db:"listing_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	BidID       string          `json:"bid_id" db:"bid_id"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	AgreedPrice decimal.Decimal `json:"agreed_price" db:"agreed_price"`
	Status      OrderStatus     `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// --- Catalog (owned upstream, mirrored for joins) ---

// Product is a sellable product.
type Product struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Category string `json:"category" db:"category"`
	Unit     string `json:"unit" db:"unit"`
	SKU      string `json:"sku,omitempty" db:"sku"`
}

// Location is the source of a listing: a farm's village with its district
// and state. Coordinates are resolved upstream and may be missing.
type Location struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	District    string     `json:"district" db:"district"`
	State       string     `json:"state" db:"state"`
	Coordinates *geo.Point `json:"coordinates,omitempty"`
}

// Hub is an intermediary aggregation facility.
type Hub struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Location string `json:"location" db:"location"`
}

// --- Read models ---

// ListingView is a listing joined with catalog details and bid aggregates.
// BidCount and HighestBid are derived from pending bids on every read.
type ListingView struct {
	Listing
	ProductName     string           `json:"product_name"`
	ProductCategory string           `json:"product_category"`
	ProductUnit     string           `json:"product_unit"`
	LocationName    string           `json:"location_name"`
	District        string           `json:"district"`
	State           string           `json:"state"`
	HubName         string           `json:"hub_name,omitempty"`
	BidCount        int              `json:"bid_count"`
	HighestBid      *decimal.Decimal `json:"highest_bid"`
}

// NearbyListing is a ListingView with its distance from the search origin.
type NearbyListing struct {
	ListingView
	DistanceKm float64 `json:"distance_km"`
}

// SearchResult is one page of a search plus the total number of matches.
type SearchResult struct {
	Listings []ListingView `json:"listings"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

// ListingStats aggregates all bids and orders of one listing.
type ListingStats struct {
	ListingID   string           `json:"listing_id"`
	Status      ListingStatus    `json:"status"`
	Quantity    decimal.Decimal  `json:"quantity"`
	AskingPrice decimal.Decimal  `json:"asking_price"`
	CreatedAt   time.Time        `json:"created_at"`
	TotalBids   int              `json:"total_bids"`
	PendingBids int              `json:"pending_bids"`
	HighestBid  *decimal.Decimal `json:"highest_bid"`
	LowestBid   *decimal.Decimal `json:"lowest_bid"`
	AverageBid  *decimal.Decimal `json:"average_bid"`
	TotalOrders int              `json:"total_orders"`
}

// TrendingProduct ranks a product by recent listing volume.
type TrendingProduct struct {
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Category      string          `json:"category"`
	ListingCount  int             `json:"listing_count"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
}

// ExpiredListing identifies a listing moved to expired by the sweeper.
type ExpiredListing struct {
	ListingID  string `json:"listing_id"`
	ProducerID string `json:"producer_id"`
	ProductID  string `json:"product_id"`
}
