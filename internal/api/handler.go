// Package api exposes the listing engine over HTTP. Handlers decode the
// request, call one core operation and encode its result; business rules live
// in the core packages.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrimart/listing-engine/internal/bidding"
	"github.com/agrimart/listing-engine/internal/discovery"
	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/listing"
	"github.com/agrimart/listing-engine/internal/model"
	"github.com/agrimart/listing-engine/internal/settlement"
	"github.com/agrimart/listing-engine/internal/store"
	"github.com/agrimart/listing-engine/internal/sweeper"
)

// UserHeader carries the authenticated caller, set by the upstream gateway.
const UserHeader = "X-User-ID"

// Handler serves the marketplace routes.
type Handler struct {
	listings  *listing.Service
	bids      *bidding.Ledger
	settle    *settlement.Coordinator
	discovery *discovery.Service
	sweeper   *sweeper.Sweeper
	orders    store.Store
}

// NewHandler wires the core services into HTTP handlers.
func NewHandler(
	listings *listing.Service,
	bids *bidding.Ledger,
	settle *settlement.Coordinator,
	disc *discovery.Service,
	sw *sweeper.Sweeper,
	st store.Store,
) *Handler {
	return &Handler{
		listings:  listings,
		bids:      bids,
		settle:    settle,
		discovery: disc,
		sweeper:   sw,
		orders:    st,
	}
}

// Routes registers the marketplace endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/listings", func(r chi.Router) {
		r.Post("/", h.CreateListing)
		r.Get("/search", h.SearchListings)
		r.Get("/nearby", h.NearbyListings)
		r.Get("/trending", h.TrendingProducts)
		r.Get("/mine", h.MyListings)

		r.Route("/{listingID}", func(r chi.Router) {
			r.Get("/", h.GetListing)
			r.Patch("/", h.UpdateListing)
			r.Delete("/", h.CancelListing)
			r.Get("/stats", h.ListingStats)
			r.Post("/bids", h.PlaceBid)
			r.Get("/bids", h.ListBids)
			r.Get("/bids/leading", h.LeadingBid)
			r.Post("/bids/{bidID}/accept", h.AcceptBid)
		})
	})
	r.Post("/sweep", h.Sweep)
	r.Get("/orders/{orderID}", h.GetOrder)
}

// CreateListing handles POST /listings.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var in model.NewListing
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.ProducerID = caller

	l, err := h.listings.Create(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /listings/{listingID}.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	v, err := h.listings.Get(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateListing handles PATCH /listings/{listingID}. Keys outside the
// producer-mutable set are rejected.
func (h *Handler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var patch model.ListingPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	l, err := h.listings.Update(r.Context(), chi.URLParam(r, "listingID"), caller, patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CancelListing handles DELETE /listings/{listingID}.
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	l, err := h.listings.Cancel(r.Context(), chi.URLParam(r, "listingID"), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListingStats handles GET /listings/{listingID}/stats.
func (h *Handler) ListingStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.listings.Stats(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MyListings handles GET /listings/mine.
func (h *Handler) MyListings(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset, ok := pageParams(w, q)
	if !ok {
		return
	}
	listings, err := h.listings.ListByProducer(r.Context(), caller, model.ListingStatus(q.Get("status")), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

// SearchListings handles GET /listings/search.
func (h *Handler) SearchListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, ok := filterParams(w, q)
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, q)
	if !ok {
		return
	}
	res, err := h.discovery.Search(r.Context(), f, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// NearbyListings handles GET /listings/nearby?lat=&lon=&radius_km=.
func (h *Handler) NearbyListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lon") == "" {
		writeError(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, "lat and lon must be numbers", http.StatusBadRequest)
		return
	}
	var radius float64
	if v := q.Get("radius_km"); v != "" {
		var err error
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, "radius_km must be a number", http.StatusBadRequest)
			return
		}
	}
	f, ok := filterParams(w, q)
	if !ok {
		return
	}
	limit, _, ok := pageParams(w, q)
	if !ok {
		return
	}

	nearby, err := h.discovery.FindNearby(r.Context(), geo.Point{Lat: lat, Lon: lon}, radius, f, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nearby)
}

// TrendingProducts handles GET /listings/trending?days=&limit=.
func (h *Handler) TrendingProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, ok := intParam(w, q, "days")
	if !ok {
		return
	}
	limit, ok := intParam(w, q, "limit")
	if !ok {
		return
	}
	trending, err := h.discovery.Trending(r.Context(), days, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trending)
}

// PlaceBid handles POST /listings/{listingID}/bids.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req bidding.PlaceBid
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ListingID = chi.URLParam(r, "listingID")
	req.BidderID = caller

	bid, err := h.bids.Place(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// ListBids handles GET /listings/{listingID}/bids?status=.
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	status := model.BidStatus(r.URL.Query().Get("status"))
	bids, err := h.bids.ListForListing(r.Context(), chi.URLParam(r, "listingID"), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

// LeadingBid handles GET /listings/{listingID}/bids/leading.
func (h *Handler) LeadingBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.bids.Leader(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// AcceptBid handles POST /listings/{listingID}/bids/{bidID}/accept.
func (h *Handler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	order, err := h.settle.AcceptBid(r.Context(), chi.URLParam(r, "listingID"), chi.URLParam(r, "bidID"), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Sweep handles POST /sweep: one expiry pass, returning what it expired.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	expired, err := h.sweeper.ExpireOldListings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": expired,
		"count":   len(expired),
	})
}

// --- request helpers ---

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(UserHeader)
	if caller == "" {
		writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

func intParam(w http.ResponseWriter, q url.Values, key string) (int, bool) {
	v := q.Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, key+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func pageParams(w http.ResponseWriter, q url.Values) (limit, offset int, ok bool) {
	if limit, ok = intParam(w, q, "limit"); !ok {
		return 0, 0, false
	}
	if offset, ok = intParam(w, q, "offset"); !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

func decimalParam(w http.ResponseWriter, q url.Values, key string) (*decimal.Decimal, bool) {
	v := q.Get(key)
	if v == "" {
		return nil, true
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		writeError(w, key+" must be a number", http.StatusBadRequest)
		return nil, false
	}
	return &d, true
}

// filterParams reads the shared search predicates. Semantic checks are left
// to the core so the same rules apply to every caller.
func filterParams(w http.ResponseWriter, q url.Values) (model.SearchFilter, bool) {
	f := model.SearchFilter{
		ProductID: q.Get("product_id"),
		Category:  q.Get("category"),
		Text:      q.Get("search"),
		Location:  q.Get("location"),
		HubID:     q.Get("hub_id"),
	}
	if g := q.Get("quality_grade"); g != "" {
		f.QualityGrade = model.Grade(g)
		if grade, ok := model.ParseGrade(g); ok {
			f.QualityGrade = grade
		}
	}
	var ok bool
	if f.MinPrice, ok = decimalParam(w, q, "min_price"); !ok {
		return f, false
	}
	if f.MaxPrice, ok = decimalParam(w, q, "max_price"); !ok {
		return f, false
	}
	return f, true
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps an engine error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConflict):
		if model.IsRetryable(err) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrUnavailable):
		slog.Warn("store unavailable", "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, "service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
