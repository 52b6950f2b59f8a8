package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agrimart/listing-engine/internal/geo"
	"github.com/agrimart/listing-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as TEXT into decimal.Decimal.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long a transaction waits for a row lock; zero leaves the server default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn in a read-committed transaction. Row locks taken by the Tx
// are released on commit or rollback.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr("begin transaction", err)
	}
	// Rollback after a successful commit is a no-op.
	defer tx.Rollback(context.Background())

	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return mapErr("set lock timeout", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

const listingColumns = `l.id, l.producer_id, l.product_id, l.location_id,
	l.quantity::TEXT, l.quality_grade, l.asking_price::TEXT,
	l.harvest_date, l.expiry_date, l.photos, l.status, COALESCE(l.hub_id, ''),
	l.created_at, l.updated_at`

func (t *pgTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings l WHERE l.id = $1 FOR UPDATE`, id)
	var l model.Listing
	if err := scanListing(row, &l); err != nil {
		return nil, rowErr("lock listing", "listing", id, err)
	}
	return &l, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *model.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (id, producer_id, product_id, location_id, quantity, quality_grade,
		                       asking_price, harvest_date, expiry_date, photos, status, hub_id,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)`,
		l.ID, l.ProducerID, l.ProductID, l.LocationID,
		l.Quantity.String(), l.QualityGrade, l.AskingPrice.String(),
		dateArg(l.HarvestDate), dateArg(l.ExpiryDate), photosArg(l.Photos),
		l.Status, l.HubID, l.CreatedAt, l.UpdatedAt,
	)
	return mapErr("insert listing", err)
}

func (t *pgTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET quantity = $2::NUMERIC, quality_grade = $3, asking_price = $4::NUMERIC,
		     harvest_date = $5, expiry_date = $6, photos = $7, status = $8, updated_at = $9
		 WHERE id = $1`,
		l.ID, l.Quantity.String(), l.QualityGrade, l.AskingPrice.String(),
		dateArg(l.HarvestDate), dateArg(l.ExpiryDate), photosArg(l.Photos),
		l.Status, l.UpdatedAt,
	)
	if err != nil {
		return mapErr("update listing", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("update listing", "listing %s not found", l.ID)
	}
	return nil
}

func (t *pgTx) ExpireListings(ctx context.Context, expiredBefore model.Date, createdBefore, at time.Time) ([]model.ExpiredListing, error) {
	rows, err := t.tx.Query(ctx,
		`UPDATE listings
		 SET status = 'expired', updated_at = $3
		 WHERE status = 'active'
		   AND ((expiry_date IS NOT NULL AND expiry_date < $1) OR created_at < $2)
		 RETURNING id, producer_id, product_id`,
		expiredBefore.Time, createdBefore, at)
	if err != nil {
		return nil, mapErr("expire listings", err)
	}
	defer rows.Close()

	expired := []model.ExpiredListing{}
	for rows.Next() {
		var e model.ExpiredListing
		if err := rows.Scan(&e.ListingID, &e.ProducerID, &e.ProductID); err != nil {
			return nil, mapErr("expire listings", err)
		}
		expired = append(expired, e)
	}
	return expired, mapErr("expire listings", rows.Err())
}

const bidColumns = `id, listing_id, bidder_id, price::TEXT, quantity::TEXT, message, status, created_at, resolved_at`

func (t *pgTx) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, id)
	var b model.Bid
	if err := scanBid(row, &b); err != nil {
		return nil, rowErr("get bid", "bid", id, err)
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bids (id, listing_id, bidder_id, price, quantity, message, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		b.ID, b.ListingID, b.BidderID, b.Price.String(), b.Quantity.String(),
		b.Message, b.Status, b.CreatedAt,
	)
	return mapErr("insert bid", err)
}

func (t *pgTx) ResolveBid(ctx context.Context, id string, status model.BidStatus, at time.Time) error {
	const op = "resolve bid"
	tag, err := t.tx.Exec(ctx,
		`UPDATE bids SET status = $2, resolved_at = $3 WHERE id = $1 AND status = 'pending'`,
		id, status, at)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current model.BidStatus
	if err := t.tx.QueryRow(ctx, `SELECT status FROM bids WHERE id = $1`, id).Scan(&current); err != nil {
		return rowErr(op, "bid", id, err)
	}
	return model.Conflictf(op, "bid %s already %s", id, current)
}

func (t *pgTx) RejectPendingBids(ctx context.Context, listingID, exceptBidID string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bids SET status = 'rejected', resolved_at = $3
		 WHERE listing_id = $1 AND status = 'pending' AND id <> $2`,
		listingID, exceptBidID, at)
	if err != nil {
		return 0, mapErr("reject pending bids", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, buyer_id, listing_id, seller_id, bid_id, quantity, agreed_price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		o.ID, o.BuyerID, o.ListingID, o.SellerID, o.BidID,
		o.Quantity.String(), o.AgreedPrice.String(), o.Status, o.CreatedAt,
	)
	return mapErr("insert order", err)
}

// --- Listing reads ---

// viewFrom joins a listing with its catalog rows and pending-bid aggregates.
const viewFrom = `
	FROM listings l
	LEFT JOIN products p ON p.id = l.product_id
	LEFT JOIN locations loc ON loc.id = l.location_id
	LEFT JOIN hubs h ON h.id = l.hub_id
	LEFT JOIN LATERAL (
		SELECT COUNT(*) AS bid_count, MAX(b.price) AS highest_bid
		FROM bids b WHERE b.listing_id = l.id AND b.status = 'pending'
	) agg ON TRUE`

const viewColumns = listingColumns + `,
	COALESCE(p.name, ''), COALESCE(p.category, ''), COALESCE(p.unit, ''),
	COALESCE(loc.name, ''), COALESCE(loc.district, ''), COALESCE(loc.state, ''),
	COALESCE(h.name, ''), agg.bid_count, agg.highest_bid::TEXT`

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.ListingView, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+viewColumns+viewFrom+` WHERE l.id = $1`, id)
	var v model.ListingView
	if err := scanView(row, &v); err != nil {
		return nil, rowErr("get listing", "listing", id, err)
	}
	return &v, nil
}

func (s *PostgresStore) ListingsByProducer(ctx context.Context, producerID string, status model.ListingStatus, limit, offset int) ([]model.ListingView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+viewColumns+viewFrom+`
		 WHERE l.producer_id = $1 AND ($2 = '' OR l.status = $2)
		 ORDER BY l.created_at DESC, l.seq DESC
		 LIMIT NULLIF($3::INT, 0) OFFSET $4`,
		producerID, string(status), limit, offset)
	if err != nil {
		return nil, mapErr("listings by producer", err)
	}
	defer rows.Close()
	return scanViews(rows)
}

func (s *PostgresStore) SearchListings(ctx context.Context, f model.SearchFilter, limit, offset int) ([]model.ListingView, int, error) {
	const op = "search listings"
	where, args := buildSearchWhere(f, nil)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listings l
		 LEFT JOIN products p ON p.id = l.product_id
		 LEFT JOIN locations loc ON loc.id = l.location_id `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(op, err)
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s %s %s
		 ORDER BY l.created_at DESC, l.seq DESC
		 LIMIT NULLIF($%d::INT, 0) OFFSET $%d`, viewColumns, viewFrom, where, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, mapErr(op, err)
	}
	defer rows.Close()

	views, err := scanViews(rows)
	if err != nil {
		return nil, 0, mapErr(op, err)
	}
	return views, total, nil
}

// haversineSQL is the great-circle distance from ($1, $2) to the location row.
var haversineSQL = fmt.Sprintf(`(2 * %f * ASIN(SQRT(LEAST(1,
	POWER(SIN(RADIANS(loc.lat - $1::FLOAT8) / 2), 2) +
	COS(RADIANS($1::FLOAT8)) * COS(RADIANS(loc.lat)) *
	POWER(SIN(RADIANS(loc.lon - $2::FLOAT8) / 2), 2)))))`, geo.EarthRadiusKm)

func (s *PostgresStore) NearbyListings(ctx context.Context, origin geo.Point, radiusKm float64, f model.SearchFilter, limit int) ([]model.NearbyListing, error) {
	const op = "nearby listings"
	box, err := geo.BoundingBox(origin, radiusKm)
	if err != nil {
		return nil, model.Validationf(op, "%v", err)
	}

	args := []any{origin.Lat, origin.Lon, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, radiusKm}
	where, args := buildSearchWhere(f, args)
	n := len(args)
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s, %s AS distance_km %s %s
		 AND loc.lat BETWEEN $3 AND $4 AND loc.lon BETWEEN $5 AND $6
		 AND %s <= $7
		 ORDER BY distance_km, l.created_at DESC, l.seq DESC
		 LIMIT NULLIF($%d::INT, 0)`,
		viewColumns, haversineSQL, viewFrom, where, haversineSQL, n+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	found := []model.NearbyListing{}
	for rows.Next() {
		var nl model.NearbyListing
		r := viewRow{v: &nl.ListingView}
		if err := rows.Scan(append(r.dest(), &nl.DistanceKm)...); err != nil {
			return nil, mapErr(op, err)
		}
		r.finish()
		found = append(found, nl)
	}
	return found, mapErr(op, rows.Err())
}

func (s *PostgresStore) TrendingProducts(ctx context.Context, since time.Time, limit int) ([]model.TrendingProduct, error) {
	const op = "trending products"
	rows, err := s.pool.Query(ctx,
		`SELECT l.product_id, COALESCE(p.name, ''), COALESCE(p.category, ''),
		        COUNT(*) AS listing_count,
		        ROUND(AVG(l.asking_price), 2)::TEXT,
		        SUM(l.quantity)::TEXT
		 FROM listings l
		 LEFT JOIN products p ON p.id = l.product_id
		 WHERE l.status = 'active' AND l.created_at >= $1
		 GROUP BY l.product_id, p.name, p.category
		 ORDER BY listing_count DESC, SUM(l.quantity) DESC, l.product_id
		 LIMIT NULLIF($2::INT, 0)`, since, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	trending := []model.TrendingProduct{}
	for rows.Next() {
		var tp model.TrendingProduct
		var avgS, qtyS string
		if err := rows.Scan(&tp.ProductID, &tp.ProductName, &tp.Category,
			&tp.ListingCount, &avgS, &qtyS); err != nil {
			return nil, mapErr(op, err)
		}
		tp.AveragePrice, _ = decimal.NewFromString(avgS)
		tp.TotalQuantity, _ = decimal.NewFromString(qtyS)
		trending = append(trending, tp)
	}
	return trending, mapErr(op, rows.Err())
}

func (s *PostgresStore) ListingStats(ctx context.Context, id string) (*model.ListingStats, error) {
	var st model.ListingStats
	var qtyS, askS string
	var hiS, loS, avgS *string

	err := s.pool.QueryRow(ctx,
		`SELECT l.id, l.status, l.quantity::TEXT, l.asking_price::TEXT, l.created_at,
		        COUNT(b.id),
		        COUNT(b.id) FILTER (WHERE b.status = 'pending'),
		        MAX(b.price)::TEXT, MIN(b.price)::TEXT, ROUND(AVG(b.price), 2)::TEXT,
		        (SELECT COUNT(*) FROM orders o WHERE o.listing_id = l.id)
		 FROM listings l
		 LEFT JOIN bids b ON b.listing_id = l.id
		 WHERE l.id = $1
		 GROUP BY l.id`, id).
		Scan(&st.ListingID, &st.Status, &qtyS, &askS, &st.CreatedAt,
			&st.TotalBids, &st.PendingBids, &hiS, &loS, &avgS, &st.TotalOrders)
	if err != nil {
		return nil, rowErr("listing stats", "listing", id, err)
	}

	st.Quantity, _ = decimal.NewFromString(qtyS)
	st.AskingPrice, _ = decimal.NewFromString(askS)
	st.HighestBid = optDecimal(hiS)
	st.LowestBid = optDecimal(loS)
	st.AverageBid = optDecimal(avgS)
	return &st, nil
}

// --- Bid reads ---

func (s *PostgresStore) ListBids(ctx context.Context, listingID string, status model.BidStatus) ([]model.Bid, error) {
	const op = "list bids"
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE listing_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY price DESC, created_at ASC, seq ASC`, listingID, string(status))
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	bids := []model.Bid{}
	for rows.Next() {
		var b model.Bid
		if err := scanBid(rows, &b); err != nil {
			return nil, mapErr(op, err)
		}
		bids = append(bids, b)
	}
	return bids, mapErr(op, rows.Err())
}

// --- Order reads ---

const orderColumns = `id, buyer_id, listing_id, seller_id, bid_id, quantity::TEXT, agreed_price::TEXT, status, created_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), &o); err != nil {
		return nil, rowErr("get order", "order", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) OrdersByListing(ctx context.Context, listingID string) ([]model.Order, error) {
	const op = "orders by listing"
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE listing_id = $1 ORDER BY created_at`, listingID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, mapErr(op, err)
		}
		orders = append(orders, o)
	}
	return orders, mapErr(op, rows.Err())
}

// --- Catalog ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, name, category, unit, sku) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, category = EXCLUDED.category, unit = EXCLUDED.unit, sku = EXCLUDED.sku`,
		p.ID, p.Name, p.Category, p.Unit, p.SKU)
	return mapErr("upsert product", err)
}

func (s *PostgresStore) UpsertLocation(ctx context.Context, l *model.Location) error {
	var lat, lon *float64
	if l.Coordinates != nil {
		lat, lon = &l.Coordinates.Lat, &l.Coordinates.Lon
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO locations (id, name, district, state, lat, lon) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, district = EXCLUDED.district, state = EXCLUDED.state,
		     lat = EXCLUDED.lat, lon = EXCLUDED.lon`,
		l.ID, l.Name, l.District, l.State, lat, lon)
	return mapErr("upsert location", err)
}

func (s *PostgresStore) UpsertHub(ctx context.Context, h *model.Hub) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hubs (id, name, location) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, location = EXCLUDED.location`,
		h.ID, h.Name, h.Location)
	return mapErr("upsert hub", err)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, category, unit, sku FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Category, &p.Unit, &p.SKU)
	if err != nil {
		return nil, rowErr("get product", "product", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	var l model.Location
	var lat, lon *float64
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, district, state, lat, lon FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.District, &l.State, &lat, &lon)
	if err != nil {
		return nil, rowErr("get location", "location", id, err)
	}
	if lat != nil && lon != nil {
		l.Coordinates = &geo.Point{Lat: *lat, Lon: *lon}
	}
	return &l, nil
}

func (s *PostgresStore) GetHub(ctx context.Context, id string) (*model.Hub, error) {
	var h model.Hub
	err := s.pool.QueryRow(ctx, `SELECT id, name, location FROM hubs WHERE id = $1`, id).
		Scan(&h.ID, &h.Name, &h.Location)
	if err != nil {
		return nil, rowErr("get hub", "hub", id, err)
	}
	return &h, nil
}

// --- Query building ---

// buildSearchWhere renders f as a WHERE clause over the aliases l, p and loc,
// restricted to active listings. Placeholders continue after args.
func buildSearchWhere(f model.SearchFilter, args []any) (string, []any) {
	conds := []string{"l.status = 'active'"}
	add := func(format string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if f.ProductID != "" {
		add("l.product_id = $%d", f.ProductID)
	}
	if f.Category != "" {
		add("LOWER(p.category) = LOWER($%d)", f.Category)
	}
	if f.Text != "" {
		add("p.name ILIKE $%d", likePattern(f.Text))
	}
	if f.Location != "" {
		add("(loc.name ILIKE $%[1]d OR loc.district ILIKE $%[1]d OR loc.state ILIKE $%[1]d)", likePattern(f.Location))
	}
	if f.MinPrice != nil {
		add("l.asking_price >= $%d::NUMERIC", f.MinPrice.String())
	}
	if f.MaxPrice != nil {
		add("l.asking_price <= $%d::NUMERIC", f.MaxPrice.String())
	}
	if f.QualityGrade != "" {
		add("l.quality_grade = $%d", string(f.QualityGrade))
	}
	if f.HubID != "" {
		add("l.hub_id = $%d", f.HubID)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// --- Scanning ---

func scanListing(row pgx.Row, l *model.Listing) error {
	var qtyS, askS string
	var harvest, expiry *time.Time
	if err := row.Scan(&l.ID, &l.ProducerID, &l.ProductID, &l.LocationID,
		&qtyS, &l.QualityGrade, &askS, &harvest, &expiry, &l.Photos, &l.Status, &l.HubID,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return err
	}
	l.Quantity, _ = decimal.NewFromString(qtyS)
	l.AskingPrice, _ = decimal.NewFromString(askS)
	l.HarvestDate = optDate(harvest)
	l.ExpiryDate = optDate(expiry)
	return nil
}

// viewRow holds the raw columns of a ListingView row until finish converts
// them.
type viewRow struct {
	v               *model.ListingView
	qtyS, askS      string
	harvest, expiry *time.Time
	highest         *string
}

func (r *viewRow) dest() []any {
	v := r.v
	return []any{&v.ID, &v.ProducerID, &v.ProductID, &v.LocationID,
		&r.qtyS, &v.QualityGrade, &r.askS, &r.harvest, &r.expiry, &v.Photos, &v.Status, &v.HubID,
		&v.CreatedAt, &v.UpdatedAt,
		&v.ProductName, &v.ProductCategory, &v.ProductUnit,
		&v.LocationName, &v.District, &v.State,
		&v.HubName, &v.BidCount, &r.highest}
}

func (r *viewRow) finish() {
	r.v.Quantity, _ = decimal.NewFromString(r.qtyS)
	r.v.AskingPrice, _ = decimal.NewFromString(r.askS)
	r.v.HarvestDate = optDate(r.harvest)
	r.v.ExpiryDate = optDate(r.expiry)
	r.v.HighestBid = optDecimal(r.highest)
}

func scanView(row pgx.Row, v *model.ListingView) error {
	r := viewRow{v: v}
	if err := row.Scan(r.dest()...); err != nil {
		return err
	}
	r.finish()
	return nil
}

func scanViews(rows pgx.Rows) ([]model.ListingView, error) {
	views := []model.ListingView{}
	for rows.Next() {
		var v model.ListingView
		if err := scanView(rows, &v); err != nil {
			return nil, mapErr("scan listing", err)
		}
		views = append(views, v)
	}
	return views, mapErr("scan listing", rows.Err())
}

func scanBid(row pgx.Row, b *model.Bid) error {
	var priceS, qtyS string
	if err := row.Scan(&b.ID, &b.ListingID, &b.BidderID, &priceS, &qtyS,
		&b.Message, &b.Status, &b.CreatedAt, &b.ResolvedAt); err != nil {
		return err
	}
	b.Price, _ = decimal.NewFromString(priceS)
	b.Quantity, _ = decimal.NewFromString(qtyS)
	return nil
}

func scanOrder(row pgx.Row, o *model.Order) error {
	var qtyS, priceS string
	if err := row.Scan(&o.ID, &o.BuyerID, &o.ListingID, &o.SellerID, &o.BidID,
		&qtyS, &priceS, &o.Status, &o.CreatedAt); err != nil {
		return err
	}
	o.Quantity, _ = decimal.NewFromString(qtyS)
	o.AgreedPrice, _ = decimal.NewFromString(priceS)
	return nil
}

func optDate(t *time.Time) *model.Date {
	if t == nil {
		return nil
	}
	d := model.DateOf(*t)
	return &d
}

func optDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func dateArg(d *model.Date) any {
	if d == nil {
		return nil
	}
	return d.Time
}

func photosArg(photos []string) []string {
	if photos == nil {
		return []string{}
	}
	return photos
}

// --- Error mapping ---

// PostgreSQL error codes the store translates.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
)

func rowErr(op, entity, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf(op, "%s %s not found", entity, id)
	}
	return mapErr(op, err)
}

// mapErr translates driver errors into the engine's error kinds. Errors that
// are already typed pass through unchanged.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *model.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf(op, "no rows")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return model.RetryableConflict(op, err)
		case pgUniqueViolation:
			return &model.Error{Kind: model.ErrConflict, Op: op, Msg: "duplicate " + pgErr.ConstraintName, Err: err}
		case pgForeignKeyViolation:
			return &model.Error{Kind: model.ErrNotFound, Op: op, Msg: "referenced row missing", Err: err}
		case pgCheckViolation:
			return &model.Error{Kind: model.ErrValidation, Op: op, Msg: "constraint " + pgErr.ConstraintName, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.RetryableConflict(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return model.Unavailable(op, err)
}
