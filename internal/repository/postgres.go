// Package repository contains the PostgreSQL data access layer.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jkirwa/botstore-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderExists is returned when an order with the same ref code already exists.
var (
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound is returned when no order matches the given ref code.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound is returned when no catalog entry matches the lookup.
	ErrProductNotFound = errors.New("product not found")
	// ErrTokenNotFound is returned when no download token matches the value.
	ErrTokenNotFound = errors.New("download token not found")
	// ErrTokenAlreadyUsed is returned on a second exercise of a consumed token.
	ErrTokenAlreadyUsed = errors.New("download token already used")
	// ErrTokenExpired is returned for tokens past their validity window.
	ErrTokenExpired = errors.New("download token expired")
	// ErrOrderDownloaded is returned when a token's order was already
	// downloaded through a sibling token.
	ErrOrderDownloaded = errors.New("order already downloaded")
	// ErrCustomOrderNotFound is returned when no custom order matches the id.
	ErrCustomOrderNotFound = errors.New("custom order not found")
)

// PostgresRepository provides access to the data store in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and initializes the schema
// through embedded migrations.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close closes the underlying connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const orderColumns = `id, ref_code, item, amount_cents, status, downloaded,
	email, phone, payment_method, gateway_ref, notes, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status, method string
	err := row.Scan(&o.ID, &o.RefCode, &o.Item, &o.AmountCents, &status, &o.Downloaded,
		&o.Email, &o.Phone, &method, &o.GatewayRef, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	return &o, nil
}

// CreateOrder inserts a new order. The unique index on ref_code guarantees at
// most one row per reference.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (ref_code, item, amount_cents, status, email, phone, payment_method, gateway_ref, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		o.RefCode, o.Item, o.AmountCents, string(o.Status), o.Email, o.Phone,
		string(o.PaymentMethod), o.GatewayRef, o.Notes,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrOrderExists, o.RefCode)
		}
		return 0, fmt.Errorf("create order: %w", err)
	}
	return id, nil
}

// GetOrderByRefCode returns the order with the given reference code.
func (r *PostgresRepository) GetOrderByRefCode(ctx context.Context, refCode string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE ref_code = $1`,
		refCode,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByGatewayRef returns the order correlated with a provider-issued
// reference (Daraja CheckoutRequestID or NOWPayments payment id).
func (r *PostgresRepository) GetOrderByGatewayRef(ctx context.Context, gatewayRef string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE gateway_ref = $1`,
		gatewayRef,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by gateway ref: %w", err)
	}
	return o, nil
}

// GetOrdersByIDs returns the orders with the given identifiers.
func (r *PostgresRepository) GetOrdersByIDs(ctx context.Context, ids []int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders by ids: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListOrders returns orders for the admin back office, newest first,
// optionally filtered by status.
func (r *PostgresRepository) ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatusCAS performs the conditional status write of the
// reconciliation engine: the row is updated only if it still carries the
// status the decision was computed against. A false return means a concurrent
// signal transitioned the order first and the caller must treat its own
// signal as already processed.
func (r *PostgresRepository) UpdateOrderStatusCAS(ctx context.Context, refCode string, from, to model.OrderStatus, note string) (bool, error) {
	var tag pgconn.CommandTag
	err := r.withRetry(ctx, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx,
			`UPDATE orders SET status = $3, notes = $4, updated_at = now()
			 WHERE ref_code = $1 AND status = $2`,
			refCode, string(from), string(to), note,
		)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetOrderGatewayRef stores the provider-issued reference for an order once
// payment initiation succeeds.
func (r *PostgresRepository) SetOrderGatewayRef(ctx context.Context, refCode, gatewayRef string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET gateway_ref = $2, updated_at = now() WHERE ref_code = $1`,
		refCode, gatewayRef,
	)
	if err != nil {
		return fmt.Errorf("set gateway ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrdersForStatusSweep returns crypto orders still awaiting settlement,
// oldest first, for the background gateway poller.
func (r *PostgresRepository) GetOrdersForStatusSweep(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ($1, $2)
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.OrderStatusWaitingNowPayments),
		string(model.OrderStatusPartialNowPayments),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for sweep: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// CreateDownloadToken persists a freshly issued download token.
func (r *PostgresRepository) CreateDownloadToken(ctx context.Context, t *model.DownloadToken) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO download_tokens (token, order_ids, email, expires_at) VALUES ($1, $2, $3, $4)`,
		t.Token, t.OrderIDs, t.Email, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create download token: %w", err)
	}
	return nil
}

// GetDownloadToken returns a token without consuming it.
func (r *PostgresRepository) GetDownloadToken(ctx context.Context, token string) (*model.DownloadToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT token, order_ids, email, expires_at, used, created_at
		 FROM download_tokens WHERE token = $1`,
		token,
	)

	var t model.DownloadToken
	err := row.Scan(&t.Token, &t.OrderIDs, &t.Email, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get download token: %w", err)
	}
	return &t, nil
}

// ConsumeDownloadToken atomically marks the token used and the orders it
// unlocks downloaded. Of two concurrent exercises exactly one sees the
// conditional update succeed; the loser gets ErrTokenAlreadyUsed. The orders
// update is conditional on downloaded=false, so a sibling token issued for
// the same orders dies with ErrOrderDownloaded once any of them is consumed.
// Expiry is evaluated here at read time, never stored as a transition.
func (r *PostgresRepository) ConsumeDownloadToken(ctx context.Context, token string, now time.Time) (*model.DownloadToken, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var t model.DownloadToken
	err = tx.QueryRow(ctx,
		`UPDATE download_tokens SET used = true
		 WHERE token = $1 AND used = false AND expires_at > $2
		 RETURNING token, order_ids, email, expires_at, used, created_at`,
		token, now,
	).Scan(&t.Token, &t.OrderIDs, &t.Email, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("consume download token: %w", err)
		}

		// The conditional update matched nothing: work out which
		// precondition failed.
		existing, getErr := r.GetDownloadToken(ctx, token)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Used {
			return nil, ErrTokenAlreadyUsed
		}
		return nil, ErrTokenExpired
	}

	tag, err := tx.Exec(ctx,
		`UPDATE orders SET downloaded = true, updated_at = now()
		 WHERE id = ANY($1) AND downloaded = false`,
		t.OrderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("mark orders downloaded: %w", err)
	}
	if int(tag.RowsAffected()) != len(t.OrderIDs) {
		// A sibling token already flipped one of the orders; the deferred
		// rollback keeps this token unconsumed, but it is no longer usable.
		return nil, ErrOrderDownloaded
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &t, nil
}

const productColumns = `id, name, slug, summary, price_cents, file_id, file_size, active, created_at, updated_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Summary, &p.PriceCents,
		&p.FileID, &p.FileSize, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProduct inserts a new catalog entry.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, slug, summary, price_cents, file_id, file_size, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.Name, p.Slug, p.Summary, p.PriceCents, p.FileID, p.FileSize, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// UpdateProduct updates a catalog entry in place.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE products
		 SET name = $2, slug = $3, summary = $4, price_cents = $5, file_id = $6, file_size = $7, active = $8, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.Name, p.Slug, p.Summary, p.PriceCents, p.FileID, p.FileSize, p.Active,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// GetProductByID returns one catalog entry by id.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// GetProductBySlug returns one catalog entry by its URL slug.
func (r *PostgresRepository) GetProductBySlug(ctx context.Context, slug string) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE slug = $1`, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product by slug: %w", err)
	}
	return p, nil
}

// ListProducts returns catalog entries, optionally only active ones.
func (r *PostgresRepository) ListProducts(ctx context.Context, activeOnly bool) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// CreateCustomOrder inserts a bespoke bot request.
func (r *PostgresRepository) CreateCustomOrder(ctx context.Context, c *model.CustomOrder) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO custom_orders (ref_code, name, email, description, budget_cents, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		c.RefCode, c.Name, c.Email, c.Description, c.BudgetCents, string(c.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create custom order: %w", err)
	}
	return id, nil
}

// ListCustomOrders returns bespoke requests for the admin back office, newest first.
func (r *PostgresRepository) ListCustomOrders(ctx context.Context, limit int) ([]model.CustomOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, ref_code, name, email, description, budget_cents, status, created_at, updated_at
		 FROM custom_orders
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select custom orders: %w", err)
	}
	defer rows.Close()

	var res []model.CustomOrder
	for rows.Next() {
		var c model.CustomOrder
		var status string
		if err := rows.Scan(&c.ID, &c.RefCode, &c.Name, &c.Email, &c.Description,
			&c.BudgetCents, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan custom order: %w", err)
		}
		c.Status = model.CustomOrderStatus(status)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateCustomOrderStatus moves a bespoke request to a new workflow stage.
func (r *PostgresRepository) UpdateCustomOrderStatus(ctx context.Context, id int64, status model.CustomOrderStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE custom_orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update custom order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomOrderNotFound
	}
	return nil
}
