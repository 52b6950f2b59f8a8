package listing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/listing-engine/internal/feed"
	"github.com/agrimart/listing-engine/internal/listing"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 8, 15, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) (*listing.Service, *store.MemoryStore, *[]feed.Event) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.UpsertProduct(ctx, &model.Product{ID: "rice", Name: "Basmati Rice", Category: "Grains", Unit: "kg"}))
	require.NoError(t, ms.UpsertLocation(ctx, &model.Location{ID: "ozar", Name: "Ozar", District: "Nashik", State: "Maharashtra"}))
	require.NoError(t, ms.UpsertHub(ctx, &model.Hub{ID: "hub1", Name: "Nashik Mandi"}))

	var events []feed.Event
	svc := listing.NewService(ms,
		listing.WithClock(func() time.Time { return now }),
		listing.WithPublisher(feed.PublisherFunc(func(e feed.Event) { events = append(events, e) })),
	)
	return svc, ms, &events
}

func validInput() model.NewListing {
	return model.NewListing{
		ProducerID:  "farmer1",
		ProductID:   "rice",
		LocationID:  "ozar",
		Quantity:    d(100),
		AskingPrice: d(45),
	}
}

func TestCreate_Defaults(t *testing.T) {
	svc, _, events := newTestEnv(t)

	l, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, l.ID)
	assert.Equal(t, model.ListingActive, l.Status)
	assert.Equal(t, model.GradeA, l.QualityGrade, "grade defaults to A")
	assert.Equal(t, now, l.CreatedAt)
	assert.NotNil(t, l.Photos)
	require.Len(t, *events, 1)
	assert.Equal(t, feed.ListingCreated, (*events)[0].Type)
}

func TestCreate_CanonicalizesGrade(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	in := validInput()
	in.QualityGrade = "organic"

	l, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.GradeOrganic, l.QualityGrade)
}

func TestCreate_Validation(t *testing.T) {
	harvest := model.NewDate(2025, 8, 10)
	expiry := model.NewDate(2025, 8, 1)

	tests := map[string]func(*model.NewListing){
		"zero quantity":         func(in *model.NewListing) { in.Quantity = decimal.Zero },
		"negative price":        func(in *model.NewListing) { in.AskingPrice = d(-1) },
		"bad grade":             func(in *model.NewListing) { in.QualityGrade = "Z" },
		"missing producer":      func(in *model.NewListing) { in.ProducerID = "" },
		"unknown product":       func(in *model.NewListing) { in.ProductID = "wheat" },
		"unknown location":      func(in *model.NewListing) { in.LocationID = "nowhere" },
		"unknown hub":           func(in *model.NewListing) { in.HubID = "hub9" },
		"expiry before harvest": func(in *model.NewListing) { in.HarvestDate, in.ExpiryDate = &harvest, &expiry },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			svc, ms, _ := newTestEnv(t)
			in := validInput()
			mutate(&in)

			_, err := svc.Create(context.Background(), in)
			require.ErrorIs(t, err, model.ErrValidation)

			all, err := ms.ListingsByProducer(context.Background(), "farmer1", "", 0, 0)
			require.NoError(t, err)
			assert.Empty(t, all, "failed create must not persist")
		})
	}
}

func TestUpdate(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	l, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	price := d(42)
	updated, err := svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{AskingPrice: &price})
	require.NoError(t, err)
	assert.True(t, updated.AskingPrice.Equal(d(42)))
	assert.True(t, updated.Quantity.Equal(d(100)), "unset fields stay unchanged")

	_, err = svc.Update(ctx, l.ID, "farmer2", model.ListingPatch{AskingPrice: &price})
	assert.ErrorIs(t, err, model.ErrConflict, "non-owner")

	_, err = svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{})
	assert.ErrorIs(t, err, model.ErrValidation, "empty patch")

	_, err = svc.Update(ctx, "missing", "farmer1", model.ListingPatch{AskingPrice: &price})
	assert.ErrorIs(t, err, model.ErrNotFound)

	sold := model.ListingSold
	_, err = svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{Status: &sold})
	assert.ErrorIs(t, err, model.ErrValidation, "sold is system-owned")
}

func TestUpdate_TerminalIsNotFound(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	l, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, l.ID, "farmer1")
	require.NoError(t, err)

	q := d(10)
	_, err = svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{Quantity: &q})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdate_ExpiryAgainstStoredHarvest(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	in := validInput()
	harvest := model.NewDate(2025, 8, 10)
	in.HarvestDate = &harvest
	l, err := svc.Create(ctx, in)
	require.NoError(t, err)

	early := model.NewDate(2025, 8, 5)
	_, err = svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{ExpiryDate: &early})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCancel_RejectsPendingBids(t *testing.T) {
	svc, ms, events := newTestEnv(t)
	ctx := context.Background()
	l, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, ms.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertBid(ctx, &model.Bid{
			ID: "b1", ListingID: l.ID, BidderID: "buyer1",
			Price: d(50), Quantity: d(10), Status: model.BidPending, CreatedAt: now,
		})
	}))

	cancelled, err := svc.Cancel(ctx, l.ID, "farmer1")
	require.NoError(t, err)
	assert.Equal(t, model.ListingCancelled, cancelled.Status)

	bids, err := ms.ListBids(ctx, l.ID, "")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, model.BidRejected, bids[0].Status)
	require.NotNil(t, bids[0].ResolvedAt)

	last := (*events)[len(*events)-1]
	assert.Equal(t, feed.ListingCancelled, last.Type)
	assert.Equal(t, 1, last.Count)
}

func TestCancel_Preconditions(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	l, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, l.ID, "intruder")
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = svc.Cancel(ctx, "missing", "farmer1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Cancel(ctx, l.ID, "farmer1")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, l.ID, "farmer1")
	assert.ErrorIs(t, err, model.ErrConflict, "terminal listings cannot be cancelled again")
}

func TestCancel_ViaPatchStatus(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	l, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	cancelled := model.ListingCancelled
	updated, err := svc.Update(ctx, l.ID, "farmer1", model.ListingPatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, model.ListingCancelled, updated.Status)
}

func TestGetAndStats(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	in := validInput()
	in.HubID = "hub1"
	l, err := svc.Create(ctx, in)
	require.NoError(t, err)

	v, err := svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "Basmati Rice", v.ProductName)
	assert.Equal(t, "Nashik Mandi", v.HubName)
	assert.Zero(t, v.BidCount)
	assert.Nil(t, v.HighestBid)

	st, err := svc.Stats(ctx, l.ID)
	require.NoError(t, err)
	assert.Zero(t, st.TotalBids)
	assert.Nil(t, st.AverageBid)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListByProducer(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()
	for range 3 {
		_, err := svc.Create(ctx, validInput())
		require.NoError(t, err)
	}

	mine, err := svc.ListByProducer(ctx, "farmer1", model.ListingActive, 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	_, err = svc.ListByProducer(ctx, "farmer1", "archived", 0, 0)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.ListByProducer(ctx, "farmer1", "", 10, -1)
	assert.ErrorIs(t, err, model.ErrValidation)
}
