package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestListingStatus_Transitions(t *testing.T) {
	all := []ListingStatus{ListingActive, ListingSold, ListingCancelled, ListingExpired}

	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			want := from == ListingActive && to != ListingActive
			if got != want {
				t.Errorf("%s → %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestListingStatus_Terminal(t *testing.T) {
	if ListingActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, s := range []ListingStatus{ListingSold, ListingCancelled, ListingExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if ListingStatus("archived").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestParseGrade(t *testing.T) {
	tests := map[string]Grade{
		"A":        GradeA,
		"b":        GradeB,
		" organic": GradeOrganic,
		"PREMIUM":  GradePremium,
	}
	for in, want := range tests {
		got, ok := ParseGrade(in)
		if !ok || got != want {
			t.Errorf("ParseGrade(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseGrade("D"); ok {
		t.Error("grade D should be rejected")
	}
}

func TestListingPatch_Validate(t *testing.T) {
	neg := d(-1)
	pos := d(10)
	bad := Grade("Z")
	sold := ListingSold
	cancelled := ListingCancelled
	harvest := NewDate(2025, 3, 10)
	expiry := NewDate(2025, 3, 1)

	tests := []struct {
		name    string
		patch   ListingPatch
		wantErr bool
	}{
		{"empty", ListingPatch{}, true},
		{"quantity ok", ListingPatch{Quantity: &pos}, false},
		{"quantity negative", ListingPatch{Quantity: &neg}, true},
		{"price negative", ListingPatch{AskingPrice: &neg}, true},
		{"bad grade", ListingPatch{QualityGrade: &bad}, true},
		{"status sold", ListingPatch{Status: &sold}, true},
		{"status cancelled", ListingPatch{Status: &cancelled}, false},
		{"expiry before harvest", ListingPatch{HarvestDate: &harvest, ExpiryDate: &expiry}, true},
		{"clear photos", ListingPatch{Photos: []string{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestListingPatch_RejectsUnknownKeys(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"quantity":"5","producer_id":"someone-else"}`))
	dec.DisallowUnknownFields()

	var p ListingPatch
	if err := dec.Decode(&p); err == nil {
		t.Fatal("expected unknown field producer_id to be rejected")
	}
}

func TestListingPatch_Apply(t *testing.T) {
	l := Listing{Quantity: d(100), AskingPrice: d(45), Photos: []string{"a.jpg"}}
	q := d(80)
	p := ListingPatch{Quantity: &q, Photos: []string{}}
	p.Apply(&l)

	if !l.Quantity.Equal(d(80)) {
		t.Errorf("quantity = %s, want 80", l.Quantity)
	}
	if !l.AskingPrice.Equal(d(45)) {
		t.Errorf("asking price changed unexpectedly: %s", l.AskingPrice)
	}
	if len(l.Photos) != 0 {
		t.Errorf("photos should be cleared, got %v", l.Photos)
	}
}

func TestDate_JSON(t *testing.T) {
	var got struct {
		D *Date `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"d":"2025-08-15"}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.D == nil || got.D.String() != "2025-08-15" {
		t.Fatalf("unexpected date %v", got.D)
	}
	out, _ := json.Marshal(got)
	if string(out) != `{"d":"2025-08-15"}` {
		t.Errorf("marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"d":"15/08/2025"}`), &got); err == nil {
		t.Error("expected error for non ISO date")
	}
}

func TestSearchFilter_Matches(t *testing.T) {
	v := ListingView{
		Listing:         Listing{ProductID: "p1", AskingPrice: d(45), QualityGrade: GradeA, HubID: "h1"},
		ProductName:     "Basmati Rice",
		ProductCategory: "Grains",
		LocationName:    "Rampur",
		District:        "Nashik",
		State:           "Maharashtra",
	}
	lo, hi := d(40), d(50)
	tooHigh := d(46)

	tests := []struct {
		name   string
		filter SearchFilter
		want   bool
	}{
		{"empty", SearchFilter{}, true},
		{"text", SearchFilter{Text: "rice"}, true},
		{"category case", SearchFilter{Category: "grains"}, true},
		{"district", SearchFilter{Location: "nash"}, true},
		{"state", SearchFilter{Location: "MAHA"}, true},
		{"location miss", SearchFilter{Location: "Punjab"}, false},
		{"price range", SearchFilter{MinPrice: &lo, MaxPrice: &hi}, true},
		{"min too high", SearchFilter{MinPrice: &tooHigh}, false},
		{"grade miss", SearchFilter{QualityGrade: GradeB}, false},
		{"hub", SearchFilter{HubID: "h1"}, true},
		{"conjunction fails on one", SearchFilter{Text: "rice", HubID: "h2"}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(v); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSearchFilter_Validate(t *testing.T) {
	lo, hi := d(50), d(40)
	if err := (SearchFilter{MinPrice: &lo, MaxPrice: &hi}).Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for min > max, got %v", err)
	}
	if err := (SearchFilter{QualityGrade: "X"}).Validate(); err == nil {
		t.Error("expected error for unknown grade")
	}
}

func TestError_KindAndRetry(t *testing.T) {
	cause := errors.New("lock timeout")
	err := fmt.Errorf("accept: %w", RetryableConflict("accept bid", cause))

	if !errors.Is(err, ErrConflict) {
		t.Error("expected ErrConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("should not match ErrNotFound")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrapped")
	}
	if !IsRetryable(err) {
		t.Error("expected retryable")
	}
	if IsRetryable(Conflictf("accept bid", "bid not found or already processed")) {
		t.Error("plain conflict must not be retryable")
	}
}
