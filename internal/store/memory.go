package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production: nothing is persisted, and
// every write clones the whole state, so each WithTx costs O(N) in the
// number of stored records.
//
// Writers are serialized by a weight-1 semaphore acquired with the caller's
// context, so waiting for the write lock is bounded. A transaction works on a
// copy of the state and swaps it in on commit; rollback drops the copy.
// Readers never wait on writers for longer than the swap.
type MemoryStore struct {
	writer *semaphore.Weighted
	mu     sync.RWMutex
	state  *memState
}

type listingRec struct {
	listing model.Listing
	seq     uint64
}

type bidRec struct {
	bid model.Bid
	seq uint64
}

// memState holds records by value. Nested slices and pointers inside a
// record are never mutated in place, so a shallow map copy is a snapshot.
type memState struct {
	seq           uint64
	listings      map[string]listingRec
	bids          map[string]bidRec
	bidsByListing map[string][]string
	orders        map[string]model.Order
	orderByList   map[string]string
	products      map[string]model.Product
	locations     map[string]model.Location
	hubs          map[string]model.Hub
}

func newMemState() *memState {
	return &memState{
		listings:      make(map[string]listingRec),
		bids:          make(map[string]bidRec),
		bidsByListing: make(map[string][]string),
		orders:        make(map[string]model.Order),
		orderByList:   make(map[string]string),
		products:      make(map[string]model.Product),
		locations:     make(map[string]model.Location),
		hubs:          make(map[string]model.Hub),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		seq:           s.seq,
		listings:      maps.Clone(s.listings),
		bids:          maps.Clone(s.bids),
		bidsByListing: maps.Clone(s.bidsByListing),
		orders:        maps.Clone(s.orders),
		orderByList:   maps.Clone(s.orderByList),
		products:      maps.Clone(s.products),
		locations:     maps.Clone(s.locations),
		hubs:          maps.Clone(s.hubs),
	}
}

func (s *memState) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writer: semaphore.NewWeighted(1),
		state:  newMemState(),
	}
}

// WithTx runs fn against a private copy of the state and publishes it if fn
// succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.write(ctx, func(st *memState) error {
		return fn(&memTx{st: st})
	})
}

func (s *MemoryStore) write(ctx context.Context, fn func(st *memState) error) error {
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return model.RetryableConflict("begin transaction", err)
	}
	defer s.writer.Release(1)

	// Only the semaphore holder replaces s.state, so reading it here
	// without mu is safe.
	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) snapshot() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// --- Transaction ---

type memTx struct {
	st *memState
}

func (tx *memTx) LockListing(_ context.Context, id string) (*model.Listing, error) {
	rec, ok := tx.st.listings[id]
	if !ok {
		return nil, model.NotFoundf("lock listing", "listing %s not found", id)
	}
	l := rec.listing.Clone()
	return &l, nil
}

func (tx *memTx) InsertListing(_ context.Context, l *model.Listing) error {
	if _, exists := tx.st.listings[l.ID]; exists {
		return model.Conflictf("insert listing", "listing %s already exists", l.ID)
	}
	tx.st.listings[l.ID] = listingRec{listing: l.Clone(), seq: tx.st.nextSeq()}
	return nil
}

func (tx *memTx) UpdateListing(_ context.Context, l *model.Listing) error {
	rec, ok := tx.st.listings[l.ID]
	if !ok {
		return model.NotFoundf("update listing", "listing %s not found", l.ID)
	}
	rec.listing = l.Clone()
	tx.st.listings[l.ID] = rec
	return nil
}

func (tx *memTx) ExpireListings(_ context.Context, expiredBefore model.Date, createdBefore, at time.Time) ([]model.ExpiredListing, error) {
	var stale []listingRec
	for _, rec := range tx.st.listings {
		l := rec.listing
		if l.Status != model.ListingActive {
			continue
		}
		pastExpiry := l.ExpiryDate != nil && l.ExpiryDate.Before(expiredBefore)
		if pastExpiry || l.CreatedAt.Before(createdBefore) {
			stale = append(stale, rec)
		}
	}
	slices.SortFunc(stale, func(a, b listingRec) int { return cmp.Compare(a.seq, b.seq) })

	expired := make([]model.ExpiredListing, 0, len(stale))
	for _, rec := range stale {
		rec.listing.Status = model.ListingExpired
		rec.listing.UpdatedAt = at
		tx.st.listings[rec.listing.ID] = rec
		expired = append(expired, model.ExpiredListing{
			ListingID:  rec.listing.ID,
			ProducerID: rec.listing.ProducerID,
			ProductID:  rec.listing.ProductID,
		})
	}
	return expired, nil
}

func (tx *memTx) GetBid(_ context.Context, id string) (*model.Bid, error) {
	rec, ok := tx.st.bids[id]
	if !ok {
		return nil, model.NotFoundf("get bid", "bid %s not found", id)
	}
	b := rec.bid
	return &b, nil
}

func (tx *memTx) InsertBid(_ context.Context, b *model.Bid) error {
	if _, exists := tx.st.bids[b.ID]; exists {
		return model.Conflictf("insert bid", "bid %s already exists", b.ID)
	}
	if _, ok := tx.st.listings[b.ListingID]; !ok {
		return model.NotFoundf("insert bid", "listing %s not found", b.ListingID)
	}
	tx.st.bids[b.ID] = bidRec{bid: *b, seq: tx.st.nextSeq()}
	// Clip so append never writes into a backing array shared with the
	// committed state.
	ids := slices.Clip(tx.st.bidsByListing[b.ListingID])
	tx.st.bidsByListing[b.ListingID] = append(ids, b.ID)
	return nil
}

func (tx *memTx) ResolveBid(_ context.Context, id string, status model.BidStatus, at time.Time) error {
	rec, ok := tx.st.bids[id]
	if !ok {
		return model.NotFoundf("resolve bid", "bid %s not found", id)
	}
	if rec.bid.Status != model.BidPending {
		return model.Conflictf("resolve bid", "bid %s already %s", id, rec.bid.Status)
	}
	resolved := at
	rec.bid.Status = status
	rec.bid.ResolvedAt = &resolved
	tx.st.bids[id] = rec
	return nil
}

func (tx *memTx) RejectPendingBids(_ context.Context, listingID, exceptBidID string, at time.Time) (int, error) {
	n := 0
	for _, id := range tx.st.bidsByListing[listingID] {
		rec := tx.st.bids[id]
		if id == exceptBidID || rec.bid.Status != model.BidPending {
			continue
		}
		resolved := at
		rec.bid.Status = model.BidRejected
		rec.bid.ResolvedAt = &resolved
		tx.st.bids[id] = rec
		n++
	}
	return n, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if existing, ok := tx.st.orderByList[o.ListingID]; ok {
		return model.Conflictf("insert order", "listing %s already settled by order %s", o.ListingID, existing)
	}
	tx.st.orders[o.ID] = *o
	tx.st.orderByList[o.ListingID] = o.ID
	return nil
}

// --- Listing reads ---

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.ListingView, error) {
	st := s.snapshot()
	rec, ok := st.listings[id]
	if !ok {
		return nil, model.NotFoundf("get listing", "listing %s not found", id)
	}
	v := st.view(rec.listing)
	return &v, nil
}

func (s *MemoryStore) ListingsByProducer(_ context.Context, producerID string, status model.ListingStatus, limit, offset int) ([]model.ListingView, error) {
	st := s.snapshot()
	recs := st.collect(func(l model.Listing) bool {
		return l.ProducerID == producerID && (status == "" || l.Status == status)
	})
	views := make([]model.ListingView, 0, len(recs))
	for _, rec := range page(recs, limit, offset) {
		views = append(views, st.view(rec.listing))
	}
	return views, nil
}

func (s *MemoryStore) SearchListings(_ context.Context, f model.SearchFilter, limit, offset int) ([]model.ListingView, int, error) {
	st := s.snapshot()
	var matches []model.ListingView
	for _, rec := range st.collect(isActive) {
		v := st.view(rec.listing)
		if f.Matches(v) {
			matches = append(matches, v)
		}
	}
	total := len(matches)
	return page(matches, limit, offset), total, nil
}

func (s *MemoryStore) NearbyListings(_ context.Context, origin geo.Point, radiusKm float64, f model.SearchFilter, limit int) ([]model.NearbyListing, error) {
	box, err := geo.BoundingBox(origin, radiusKm)
	if err != nil {
		return nil, model.Validationf("nearby listings", "%v", err)
	}

	st := s.snapshot()
	var found []model.NearbyListing
	// collect already orders newest first; the stable sort below keeps
	// that as the tie-breaker for equal distances.
	for _, rec := range st.collect(isActive) {
		loc, ok := st.locations[rec.listing.LocationID]
		if !ok || loc.Coordinates == nil || !box.Contains(*loc.Coordinates) {
			continue
		}
		dist := geo.DistanceKm(origin, *loc.Coordinates)
		if dist > radiusKm {
			continue
		}
		v := st.view(rec.listing)
		if !f.Matches(v) {
			continue
		}
		found = append(found, model.NearbyListing{ListingView: v, DistanceKm: dist})
	}
	slices.SortStableFunc(found, func(a, b model.NearbyListing) int {
		return cmp.Compare(a.DistanceKm, b.DistanceKm)
	})
	return page(found, limit, 0), nil
}

func (s *MemoryStore) TrendingProducts(_ context.Context, since time.Time, limit int) ([]model.TrendingProduct, error) {
	st := s.snapshot()

	type agg struct {
		count    int
		priceSum decimal.Decimal
		qty      decimal.Decimal
	}
	byProduct := make(map[string]*agg)
	for _, rec := range st.listings {
		l := rec.listing
		if l.Status != model.ListingActive || l.CreatedAt.Before(since) {
			continue
		}
		a, ok := byProduct[l.ProductID]
		if !ok {
			a = &agg{}
			byProduct[l.ProductID] = a
		}
		a.count++
		a.priceSum = a.priceSum.Add(l.AskingPrice)
		a.qty = a.qty.Add(l.Quantity)
	}

	trending := make([]model.TrendingProduct, 0, len(byProduct))
	for productID, a := range byProduct {
		p := st.products[productID]
		trending = append(trending, model.TrendingProduct{
			ProductID:     productID,
			ProductName:   p.Name,
			Category:      p.Category,
			ListingCount:  a.count,
			AveragePrice:  a.priceSum.Div(decimal.NewFromInt(int64(a.count))).Round(2),
			TotalQuantity: a.qty,
		})
	}
	SortTrending(trending)
	return page(trending, limit, 0), nil
}

func (s *MemoryStore) ListingStats(_ context.Context, id string) (*model.ListingStats, error) {
	st := s.snapshot()
	rec, ok := st.listings[id]
	if !ok {
		return nil, model.NotFoundf("listing stats", "listing %s not found", id)
	}
	l := rec.listing

	stats := &model.ListingStats{
		ListingID:   l.ID,
		Status:      l.Status,
		Quantity:    l.Quantity,
		AskingPrice: l.AskingPrice,
		CreatedAt:   l.CreatedAt,
	}
	sum := decimal.Zero
	for _, bidID := range st.bidsByListing[id] {
		b := st.bids[bidID].bid
		stats.TotalBids++
		if b.Status == model.BidPending {
			stats.PendingBids++
		}
		sum = sum.Add(b.Price)
		if stats.HighestBid == nil || b.Price.GreaterThan(*stats.HighestBid) {
			p := b.Price
			stats.HighestBid = &p
		}
		if stats.LowestBid == nil || b.Price.LessThan(*stats.LowestBid) {
			p := b.Price
			stats.LowestBid = &p
		}
	}
	if stats.TotalBids > 0 {
		avg := sum.Div(decimal.NewFromInt(int64(stats.TotalBids))).Round(2)
		stats.AverageBid = &avg
	}
	if _, ok := st.orderByList[id]; ok {
		stats.TotalOrders = 1
	}
	return stats, nil
}

// --- Bid reads ---

func (s *MemoryStore) ListBids(_ context.Context, listingID string, status model.BidStatus) ([]model.Bid, error) {
	st := s.snapshot()
	recs := make([]bidRec, 0, len(st.bidsByListing[listingID]))
	for _, id := range st.bidsByListing[listingID] {
		rec := st.bids[id]
		if status == "" || rec.bid.Status == status {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(a, b bidRec) int {
		if c := CompareBids(a.bid, b.bid); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	bids := make([]model.Bid, len(recs))
	for i, rec := range recs {
		bids[i] = rec.bid
	}
	return bids, nil
}

// --- Order reads ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	st := s.snapshot()
	o, ok := st.orders[id]
	if !ok {
		return nil, model.NotFoundf("get order", "order %s not found", id)
	}
	return &o, nil
}

func (s *MemoryStore) OrdersByListing(_ context.Context, listingID string) ([]model.Order, error) {
	st := s.snapshot()
	var orders []model.Order
	if id, ok := st.orderByList[listingID]; ok {
		orders = append(orders, st.orders[id])
	}
	return orders, nil
}

// --- Catalog ---

func (s *MemoryStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	return s.write(ctx, func(st *memState) error {
		st.products[p.ID] = *p
		return nil
	})
}

func (s *MemoryStore) UpsertLocation(ctx context.Context, l *model.Location) error {
	return s.write(ctx, func(st *memState) error {
		loc := *l
		if l.Coordinates != nil {
			c := *l.Coordinates
			loc.Coordinates = &c
		}
		st.locations[l.ID] = loc
		return nil
	})
}

func (s *MemoryStore) UpsertHub(ctx context.Context, h *model.Hub) error {
	return s.write(ctx, func(st *memState) error {
		st.hubs[h.ID] = *h
		return nil
	})
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	p, ok := s.snapshot().products[id]
	if !ok {
		return nil, model.NotFoundf("get product", "product %s not found", id)
	}
	return &p, nil
}

func (s *MemoryStore) GetLocation(_ context.Context, id string) (*model.Location, error) {
	l, ok := s.snapshot().locations[id]
	if !ok {
		return nil, model.NotFoundf("get location", "location %s not found", id)
	}
	return &l, nil
}

func (s *MemoryStore) GetHub(_ context.Context, id string) (*model.Hub, error) {
	h, ok := s.snapshot().hubs[id]
	if !ok {
		return nil, model.NotFoundf("get hub", "hub %s not found", id)
	}
	return &h, nil
}

// --- helpers (state is an immutable snapshot once published) ---

func isActive(l model.Listing) bool { return l.Status == model.ListingActive }

// collect returns matching listings newest first.
func (st *memState) collect(keep func(model.Listing) bool) []listingRec {
	var recs []listingRec
	for _, rec := range st.listings {
		if keep(rec.listing) {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(a, b listingRec) int {
		if c := b.listing.CreatedAt.Compare(a.listing.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	return recs
}

// view joins a listing with its catalog rows and pending-bid aggregates.
func (st *memState) view(l model.Listing) model.ListingView {
	v := model.ListingView{Listing: l.Clone()}
	if p, ok := st.products[l.ProductID]; ok {
		v.ProductName, v.ProductCategory, v.ProductUnit = p.Name, p.Category, p.Unit
	}
	if loc, ok := st.locations[l.LocationID]; ok {
		v.LocationName, v.District, v.State = loc.Name, loc.District, loc.State
	}
	if h, ok := st.hubs[l.HubID]; ok && l.HubID != "" {
		v.HubName = h.Name
	}
	for _, id := range st.bidsByListing[l.ID] {
		b := st.bids[id].bid
		if b.Status != model.BidPending {
			continue
		}
		v.BidCount++
		if v.HighestBid == nil || b.Price.GreaterThan(*v.HighestBid) {
			p := b.Price
			v.HighestBid = &p
		}
	}
	return v
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
