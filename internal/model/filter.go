package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SearchFilter is the conjunction of optional listing predicates.
// Zero-valued fields are absent predicates.
type SearchFilter struct {
	ProductID    string           `json:"product_id,omitempty"`
	Category     string           `json:"category,omitempty"`
	Text         string           `json:"search,omitempty"`   // substring of product name
	Location     string           `json:"location,omitempty"` // substring of village, district or state
	MinPrice     *decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice     *decimal.Decimal `json:"max_price,omitempty"`
	QualityGrade Grade            `json:"quality_grade,omitempty"`
	HubID        string           `json:"hub_id,omitempty"`
}

// IsEmpty reports whether no predicate is set.
func (f SearchFilter) IsEmpty() bool {
	return f == SearchFilter{}
}

// Validate rejects contradictory or malformed predicates.
func (f SearchFilter) Validate() error {
	const op = "search listings"
	if f.MinPrice != nil && f.MinPrice.IsNegative() {
		return Validationf(op, "min_price must not be negative")
	}
	if f.MaxPrice != nil && f.MaxPrice.IsNegative() {
		return Validationf(op, "max_price must not be negative")
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return Validationf(op, "min_price exceeds max_price")
	}
	if f.QualityGrade != "" && !f.QualityGrade.Valid() {
		return Validationf(op, "unsupported quality_grade %q", f.QualityGrade)
	}
	return nil
}

// Matches evaluates every set predicate against v. Status is not part of the
// filter; callers restrict to active listings themselves.
func (f SearchFilter) Matches(v ListingView) bool {
	if f.ProductID != "" && v.ProductID != f.ProductID {
		return false
	}
	if f.Category != "" && !strings.EqualFold(v.ProductCategory, f.Category) {
		return false
	}
	if f.Text != "" && !containsFold(v.ProductName, f.Text) {
		return false
	}
	if f.Location != "" &&
		!containsFold(v.LocationName, f.Location) &&
		!containsFold(v.District, f.Location) &&
		!containsFold(v.State, f.Location) {
		return false
	}
	if f.MinPrice != nil && v.AskingPrice.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && v.AskingPrice.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.QualityGrade != "" && v.QualityGrade != f.QualityGrade {
		return false
	}
	if f.HubID != "" && v.HubID != f.HubID {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Page sizes for paginated reads.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage applies the default page size and the cap. A negative limit
// or offset is a validation error.
func NormalizePage(op string, limit, offset int) (int, int, error) {
	if limit < 0 {
		return 0, 0, Validationf(op, "limit must not be negative")
	}
	if offset < 0 {
		return 0, 0, Validationf(op, "offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	return min(limit, MaxPageSize), offset, nil
}
