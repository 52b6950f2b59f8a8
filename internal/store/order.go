package store

import (
	"cmp"
	"slices"

	"github.com/agrimart/listing-engine/internal/model"
)

// CompareBids orders bids canonically: highest price first, then earliest.
// Backends break remaining ties by insertion order.
func CompareBids(a, b model.Bid) int {
	if c := b.Price.Cmp(a.Price); c != 0 {
		return c
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// SortTrending orders products by listing count, then total quantity, both
// descending. Product ID keeps the order stable.
func SortTrending(ps []model.TrendingProduct) {
	slices.SortFunc(ps, func(a, b model.TrendingProduct) int {
		if c := cmp.Compare(b.ListingCount, a.ListingCount); c != 0 {
			return c
		}
		if c := b.TotalQuantity.Cmp(a.TotalQuantity); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
}
