package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var base = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

// seedCatalog loads one product and two locations: Nashik with coordinates
// and Rampur without.
func seedCatalog(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	mustNil(t, s.UpsertProduct(ctx, &model.Product{ID: "rice", Name: "Basmati Rice", Category: "Grains", Unit: "kg"}))
	mustNil(t, s.UpsertProduct(ctx, &model.Product{ID: "onion", Name: "Red Onion", Category: "Vegetables", Unit: "kg"}))
	mustNil(t, s.UpsertLocation(ctx, &model.Location{
		ID: "nashik", Name: "Ozar", District: "Nashik", State: "Maharashtra",
		Coordinates: &geo.Point{Lat: 19.997, Lon: 73.789},
	}))
	mustNil(t, s.UpsertLocation(ctx, &model.Location{ID: "rampur", Name: "Rampur", District: "Bareilly", State: "Uttar Pradesh"}))
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func insertListing(t *testing.T, s *MemoryStore, id, product string, created time.Time) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ID: id, ProducerID: "farmer1", ProductID: product, LocationID: "nashik",
		Quantity: d(100), QualityGrade: model.GradeA, AskingPrice: d(45),
		Status: model.ListingActive, CreatedAt: created, UpdatedAt: created,
	}
	mustNil(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertListing(context.Background(), l)
	}))
	return l
}

func insertBid(t *testing.T, s *MemoryStore, id, listingID string, price float64, created time.Time) {
	t.Helper()
	b := &model.Bid{
		ID: id, ListingID: listingID, BidderID: "buyer-" + id,
		Price: d(price), Quantity: d(10), Status: model.BidPending, CreatedAt: created,
	}
	mustNil(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertBid(context.Background(), b)
	}))
}

func TestWithTx_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		l := &model.Listing{ID: "l1", ProductID: "rice", LocationID: "nashik", Status: model.ListingActive}
		if err := tx.InsertListing(ctx, l); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetListing(ctx, "l1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("rolled back listing should not exist, got %v", err)
	}
}

func TestWithTx_RollbackDoesNotLeakBidSlice(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "l1", "rice", base)
	insertBid(t, s, "b1", "l1", 50, base)

	_ = s.WithTx(ctx, func(tx Tx) error {
		_ = tx.InsertBid(ctx, &model.Bid{ID: "ghost", ListingID: "l1", Price: d(99), Status: model.BidPending})
		return errors.New("abort")
	})
	insertBid(t, s, "b2", "l1", 48, base.Add(time.Minute))

	bids, err := s.ListBids(ctx, "l1", "")
	mustNil(t, err)
	if len(bids) != 2 || bids[0].ID != "b1" || bids[1].ID != "b2" {
		t.Fatalf("expected [b1 b2], got %+v", bids)
	}
}

func TestWithTx_LockWaitBounded(t *testing.T) {
	s := NewMemoryStore()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithTx(context.Background(), func(tx Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithTx(ctx, func(tx Tx) error { return nil })
	close(release)

	if !errors.Is(err, model.ErrConflict) || !model.IsRetryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
	mustNil(t, <-done)
}

func TestResolveBid_OnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "l1", "rice", base)
	insertBid(t, s, "b1", "l1", 50, base)

	resolve := func() error {
		return s.WithTx(ctx, func(tx Tx) error {
			return tx.ResolveBid(ctx, "b1", model.BidAccepted, base)
		})
	}
	mustNil(t, resolve())
	if err := resolve(); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second resolve should conflict, got %v", err)
	}
}

func TestInsertOrder_OnePerListing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, &model.Order{ID: "o1", ListingID: "l1"}); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, &model.Order{ID: "o2", ListingID: "l1"})
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict for second order, got %v", err)
	}
}

func TestListBids_CanonicalOrder(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "l1", "rice", base)

	insertBid(t, s, "late-high", "l1", 50, base.Add(2*time.Minute))
	insertBid(t, s, "early-high", "l1", 50, base.Add(time.Minute))
	insertBid(t, s, "low", "l1", 40, base)
	// Same price and timestamp: insertion order decides.
	insertBid(t, s, "tie-a", "l1", 45, base)
	insertBid(t, s, "tie-b", "l1", 45, base)

	bids, err := s.ListBids(ctx, "l1", "")
	mustNil(t, err)
	want := []string{"early-high", "late-high", "tie-a", "tie-b", "low"}
	for i, id := range want {
		if bids[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (all: %v)", i, bids[i].ID, id, bidIDs(bids))
		}
	}
}

func bidIDs(bids []model.Bid) []string {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.ID
	}
	return ids
}

func TestGetListing_Aggregates(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "l1", "rice", base)

	v, err := s.GetListing(ctx, "l1")
	mustNil(t, err)
	if v.BidCount != 0 || v.HighestBid != nil {
		t.Errorf("expected no aggregates, got count=%d highest=%v", v.BidCount, v.HighestBid)
	}
	if v.ProductName != "Basmati Rice" || v.District != "Nashik" {
		t.Errorf("catalog join missing: %+v", v)
	}

	insertBid(t, s, "b1", "l1", 50, base)
	insertBid(t, s, "b2", "l1", 48, base)
	mustNil(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.ResolveBid(ctx, "b1", model.BidRejected, base)
	}))

	v, err = s.GetListing(ctx, "l1")
	mustNil(t, err)
	if v.BidCount != 1 || v.HighestBid == nil || !v.HighestBid.Equal(d(48)) {
		t.Errorf("expected 1 pending bid at 48, got count=%d highest=%v", v.BidCount, v.HighestBid)
	}
}

func TestSearchListings_NewestFirstAndTotal(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	for i, id := range []string{"l1", "l2", "l3"} {
		insertListing(t, s, id, "rice", base.Add(time.Duration(i)*time.Hour))
	}
	cancelled := insertListing(t, s, "l4", "rice", base.Add(5*time.Hour))
	cancelled.Status = model.ListingCancelled
	mustNil(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateListing(ctx, cancelled) }))

	page, total, err := s.SearchListings(ctx, model.SearchFilter{}, 2, 0)
	mustNil(t, err)
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(page) != 2 || page[0].ID != "l3" || page[1].ID != "l2" {
		t.Errorf("unexpected first page: %v", page)
	}

	page, _, err = s.SearchListings(ctx, model.SearchFilter{}, 2, 2)
	mustNil(t, err)
	if len(page) != 1 || page[0].ID != "l1" {
		t.Errorf("unexpected second page: %v", page)
	}
}

func TestNearbyListings_DistanceOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	origin := geo.Point{Lat: 19.997, Lon: 73.789}
	mustNil(t, s.UpsertProduct(ctx, &model.Product{ID: "rice", Name: "Rice"}))
	for _, loc := range []struct {
		id string
		km float64
	}{{"at3", 3}, {"at8", 8}, {"at15", 15}} {
		p := east(origin, loc.km)
		mustNil(t, s.UpsertLocation(ctx, &model.Location{ID: loc.id, Name: loc.id, Coordinates: &p}))
	}
	mustNil(t, s.UpsertLocation(ctx, &model.Location{ID: "nowhere", Name: "nowhere"}))

	for i, loc := range []string{"at8", "at3", "at15", "nowhere"} {
		l := &model.Listing{
			ID: "l-" + loc, ProductID: "rice", LocationID: loc, Quantity: d(1), AskingPrice: d(1),
			Status: model.ListingActive, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		mustNil(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertListing(ctx, l) }))
	}

	found, err := s.NearbyListings(ctx, origin, 10, model.SearchFilter{}, 0)
	mustNil(t, err)
	if len(found) != 2 || found[0].ID != "l-at3" || found[1].ID != "l-at8" {
		t.Fatalf("expected [l-at3 l-at8], got %+v", found)
	}
	if found[0].DistanceKm < 2.9 || found[0].DistanceKm > 3.1 {
		t.Errorf("distance = %f, want ≈3", found[0].DistanceKm)
	}
}

// east mirrors the geo test helper: a point km kilometres due east.
func east(origin geo.Point, km float64) geo.Point {
	dLon := km / (geo.EarthRadiusKm * math.Cos(origin.Lat*math.Pi/180)) * 180 / math.Pi
	return geo.Point{Lat: origin.Lat, Lon: origin.Lon + dLon}
}

func TestNearbyListings_HighLatitudeCapEdge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	origin := geo.Point{Lat: 60, Lon: 0}
	// North-east of origin, just inside 1000 km but east of the origin
	// parallel's own 1000 km point.
	edge := geo.Point{Lat: 62.6, Lon: 18.0}
	if dist := geo.DistanceKm(origin, edge); dist > 1000 {
		t.Fatalf("fixture is %f km away", dist)
	}
	mustNil(t, s.UpsertProduct(ctx, &model.Product{ID: "rice", Name: "Rice"}))
	mustNil(t, s.UpsertLocation(ctx, &model.Location{ID: "edge", Name: "edge", Coordinates: &edge}))
	mustNil(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertListing(ctx, &model.Listing{
			ID: "l-edge", ProductID: "rice", LocationID: "edge", Quantity: d(1), AskingPrice: d(1),
			Status: model.ListingActive, CreatedAt: base,
		})
	}))

	found, err := s.NearbyListings(ctx, origin, 1000, model.SearchFilter{}, 0)
	mustNil(t, err)
	if len(found) != 1 {
		t.Fatalf("listing within the radius was dropped: %+v", found)
	}
}

func TestTrendingProducts(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()

	insertListing(t, s, "r1", "rice", base)
	insertListing(t, s, "r2", "rice", base)
	insertListing(t, s, "o1", "onion", base)
	insertListing(t, s, "old", "onion", base.AddDate(0, 0, -30))

	trending, err := s.TrendingProducts(ctx, base.AddDate(0, 0, -7), 10)
	mustNil(t, err)
	if len(trending) != 2 {
		t.Fatalf("expected 2 products, got %+v", trending)
	}
	if trending[0].ProductID != "rice" || trending[0].ListingCount != 2 {
		t.Errorf("rice should lead with 2 listings, got %+v", trending[0])
	}
	if !trending[0].TotalQuantity.Equal(d(200)) || !trending[0].AveragePrice.Equal(d(45)) {
		t.Errorf("unexpected aggregates: %+v", trending[0])
	}
	if trending[1].ListingCount != 1 {
		t.Errorf("old onion listing should be outside the window, got %+v", trending[1])
	}
}

func TestListingStats(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "l1", "rice", base)
	insertBid(t, s, "b1", "l1", 50, base)
	insertBid(t, s, "b2", "l1", 40, base)
	insertBid(t, s, "b3", "l1", 45, base)
	mustNil(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.ResolveBid(ctx, "b2", model.BidRejected, base)
	}))

	st, err := s.ListingStats(ctx, "l1")
	mustNil(t, err)
	if st.TotalBids != 3 || st.PendingBids != 2 || st.TotalOrders != 0 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if !st.HighestBid.Equal(d(50)) || !st.LowestBid.Equal(d(40)) || !st.AverageBid.Equal(d(45)) {
		t.Errorf("unexpected prices: hi=%s lo=%s avg=%s", st.HighestBid, st.LowestBid, st.AverageBid)
	}

	if _, err := s.ListingStats(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestExpireListings(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	today := model.NewDate(2025, 8, 20)

	fresh := insertListing(t, s, "fresh", "rice", base)
	stale := insertListing(t, s, "stale", "rice", base.AddDate(0, 0, -40))
	past := insertListing(t, s, "past", "rice", base)
	yesterday := model.NewDate(2025, 8, 19)
	past.ExpiryDate = &yesterday
	expiresToday := insertListing(t, s, "today", "rice", base)
	expiresToday.ExpiryDate = &today
	mustNil(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpdateListing(ctx, past); err != nil {
			return err
		}
		return tx.UpdateListing(ctx, expiresToday)
	}))

	run := func() []model.ExpiredListing {
		var out []model.ExpiredListing
		mustNil(t, s.WithTx(ctx, func(tx Tx) error {
			var err error
			out, err = tx.ExpireListings(ctx, today, today.AddDate(0, 0, -30), today.Time)
			return err
		}))
		return out
	}

	expired := run()
	if len(expired) != 2 || expired[0].ListingID != stale.ID || expired[1].ListingID != past.ID {
		t.Fatalf("expected [stale past], got %+v", expired)
	}
	if again := run(); len(again) != 0 {
		t.Errorf("second run should expire nothing, got %+v", again)
	}

	for id, want := range map[string]model.ListingStatus{
		fresh.ID: model.ListingActive, "today": model.ListingActive, stale.ID: model.ListingExpired,
	} {
		v, err := s.GetListing(ctx, id)
		mustNil(t, err)
		if v.Status != want {
			t.Errorf("%s: status %s, want %s", id, v.Status, want)
		}
	}
}

func TestListingsByProducer_StatusFilter(t *testing.T) {
	s := NewMemoryStore()
	seedCatalog(t, s)
	ctx := context.Background()
	insertListing(t, s, "a", "rice", base)
	b := insertListing(t, s, "b", "rice", base.Add(time.Hour))
	b.Status = model.ListingCancelled
	mustNil(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateListing(ctx, b) }))

	all, err := s.ListingsByProducer(ctx, "farmer1", "", 0, 0)
	mustNil(t, err)
	if len(all) != 2 || all[0].ID != "b" {
		t.Errorf("expected [b a], got %v", all)
	}
	active, err := s.ListingsByProducer(ctx, "farmer1", model.ListingActive, 0, 0)
	mustNil(t, err)
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("expected [a], got %v", active)
	}
	none, err := s.ListingsByProducer(ctx, "someone-else", "", 0, 0)
	mustNil(t, err)
	if len(none) != 0 {
		t.Errorf("expected none, got %v", none)
	}
}
