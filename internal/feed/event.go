// Package feed fans marketplace events out to connected dashboards over
// WebSocket.
package feed

import "time"

// EventType names what happened in the marketplace.
type EventType string

const (
	ListingCreated   EventType = "listing.created"
	ListingUpdated   EventType = "listing.updated"
	ListingCancelled EventType = "listing.cancelled"
	ListingSold      EventType = "listing.sold"
	ListingsExpired  EventType = "listings.expired"
	BidPlaced        EventType = "bid.placed"
)

// Event is a JSON message sent to feed clients. Amounts are decimal strings.
type Event struct {
	Type      EventType `json:"type"`
	ListingID string    `json:"listing_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	BidID     string    `json:"bid_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Price     string    `json:"price,omitempty"`
	Quantity  string    `json:"quantity,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
