package model

import (
	"slices"

	"github.com/shopspring/decimal"
)

// ListingPatch enumerates exactly the producer-mutable fields of a listing.
// A nil field is left unchanged. Photos replaces the whole list when non-nil;
// an empty non-nil slice clears it.
type ListingPatch struct {
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	QualityGrade *Grade           `json:"quality_grade,omitempty"`
	AskingPrice  *decimal.Decimal `json:"asking_price,omitempty"`
	HarvestDate  *Date            `json:"harvest_date,omitempty"`
	ExpiryDate   *Date            `json:"expiry_date,omitempty"`
	Photos       []string         `json:"photos,omitempty"`
	Status       *ListingStatus   `json:"status,omitempty"`
}

// IsEmpty reports whether the patch sets no field.
func (p ListingPatch) IsEmpty() bool {
	return p.Quantity == nil && p.QualityGrade == nil && p.AskingPrice == nil &&
		p.HarvestDate == nil && p.ExpiryDate == nil && p.Photos == nil && p.Status == nil
}

// Validate checks each set field. Status may only be set to cancelled:
// sold and expired are driven by settlement and the sweeper.
func (p ListingPatch) Validate() error {
	const op = "update listing"
	if p.IsEmpty() {
		return Validationf(op, "no valid fields to update")
	}
	if p.Quantity != nil && !p.Quantity.IsPositive() {
		return Validationf(op, "quantity must be positive")
	}
	if p.AskingPrice != nil && !p.AskingPrice.IsPositive() {
		return Validationf(op, "asking_price must be positive")
	}
	if p.QualityGrade != nil && !p.QualityGrade.Valid() {
		return Validationf(op, "unsupported quality_grade %q", *p.QualityGrade)
	}
	if p.Status != nil && *p.Status != ListingCancelled {
		return Validationf(op, "status may only be set to %q", ListingCancelled)
	}
	if p.HarvestDate != nil && p.ExpiryDate != nil && p.ExpiryDate.Before(*p.HarvestDate) {
		return Validationf(op, "expiry_date precedes harvest_date")
	}
	return nil
}

// Apply writes the set fields onto l. It does not touch timestamps.
func (p ListingPatch) Apply(l *Listing) {
	if p.Quantity != nil {
		l.Quantity = *p.Quantity
	}
	if p.QualityGrade != nil {
		l.QualityGrade = *p.QualityGrade
	}
	if p.AskingPrice != nil {
		l.AskingPrice = *p.AskingPrice
	}
	if p.HarvestDate != nil {
		d := *p.HarvestDate
		l.HarvestDate = &d
	}
	if p.ExpiryDate != nil {
		d := *p.ExpiryDate
		l.ExpiryDate = &d
	}
	if p.Photos != nil {
		l.Photos = slices.Clone(p.Photos)
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
}
