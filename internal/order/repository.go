package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

type Repository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	GetAll(ctx context.Context) ([]Order, error)
	// Update loads the order under a row lock, applies fn and persists the
	// result atomically. fn returning ErrNoChange commits nothing.
	Update(ctx context.Context, id uuid.UUID, fn func(*Order) error) (*Order, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type postgresRepository struct {
	db  DB
	now func() time.Time
}

func NewRepository(db DB) Repository {
	return &postgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const orderColumns = `id, user_id, shipping_address, payment_method, items_price, tax_price, shipping_price, total_price,
	payment_session_id, payment_result, is_paid, paid_at, is_delivered, delivered_at, status, created_at, updated_at`

func scanOrder(row pgx.Row, o *Order) error {
	return row.Scan(
		&o.ID,
		&o.UserID,
		&o.ShippingAddress,
		&o.PaymentMethod,
		&o.ItemsPrice,
		&o.TaxPrice,
		&o.ShippingPrice,
		&o.TotalPrice,
		&o.PaymentSessionID,
		&o.PaymentResult,
		&o.IsPaid,
		&o.PaidAt,
		&o.IsDelivered,
		&o.DeliveredAt,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (r *postgresRepository) withTx(ctx context.Context, orderID uuid.UUID, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Stringer("order_id", orderID).Msg("repository: panic recovered, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			log.Error().Err(commitErr).Stringer("order_id", orderID).Msg("repository: failed to commit transaction")
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(tx)
}

func (r *postgresRepository) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
		o.ID = id
	}

	now := r.now()
	o.Status = StatusPending
	o.StatusHistory = []StatusEntry{{Status: StatusPending, Timestamp: now}}
	o.IsPaid, o.PaidAt = false, nil
	o.IsDelivered, o.DeliveredAt = false, nil
	o.PaymentSessionID, o.PaymentResult = nil, nil
	o.CreatedAt = now
	o.UpdatedAt = now

	return r.withTx(ctx, o.ID, func(tx pgx.Tx) error {
		query := `
			INSERT INTO order_service.orders (` + orderColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`
		_, err := tx.Exec(ctx, query,
			o.ID,
			o.UserID,
			o.ShippingAddress,
			o.PaymentMethod,
			o.ItemsPrice,
			o.TaxPrice,
			o.ShippingPrice,
			o.TotalPrice,
			o.PaymentSessionID,
			o.PaymentResult,
			o.IsPaid,
			o.PaidAt,
			o.IsDelivered,
			o.DeliveredAt,
			string(o.Status),
			o.CreatedAt,
			o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order: %w", err)
		}

		queryItem := `
			INSERT INTO order_service.order_items (order_id, position, product_id, name, quantity, image, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for i, item := range o.OrderItems {
			_, err = tx.Exec(ctx, queryItem, o.ID, i, item.ProductID, item.Name, item.Quantity, item.Image, item.Price)
			if err != nil {
				return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
			}
		}

		return appendHistory(ctx, tx, o.ID, o.StatusHistory, 0)
	})
}

func appendHistory(ctx context.Context, q querier, orderID uuid.UUID, entries []StatusEntry, offset int) error {
	query := `
		INSERT INTO order_service.order_status_history (order_id, seq, status, changed_at, comment)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`
	for i, entry := range entries {
		_, err := q.Exec(ctx, query, orderID, offset+i, string(entry.Status), entry.Timestamp, entry.Comment)
		if err != nil {
			return fmt.Errorf("repository: failed to append status history for order %s: %w", orderID, err)
		}
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOrder(ctx, r.db, id, false)
}

func (r *postgresRepository) getOrder(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM order_service.orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var o Order
	if err := scanOrder(q.QueryRow(ctx, query, id), &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	orders := []*Order{&o}
	if err := loadChildren(ctx, q, orders); err != nil {
		return nil, err
	}

	return &o, nil
}

func (r *postgresRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM order_service.orders WHERE user_id = $1 ORDER BY created_at DESC`
	orders, err := r.listOrders(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders for user id %s: %w", userID, err)
	}
	return orders, nil
}

func (r *postgresRepository) GetAll(ctx context.Context) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM order_service.orders ORDER BY created_at DESC`
	orders, err := r.listOrders(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders: %w", err)
	}
	return orders, nil
}

func (r *postgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var ptrs []*Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		ptrs = append(ptrs, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	if err := loadChildren(ctx, r.db, ptrs); err != nil {
		return nil, err
	}

	result := make([]Order, 0, len(ptrs))
	for _, o := range ptrs {
		result = append(result, *o)
	}
	return result, nil
}

// loadChildren fills line items and status history for orders in two queries.
func loadChildren(ctx context.Context, q querier, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*Order, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		o.OrderItems = make([]OrderItem, 0)
		o.StatusHistory = make([]StatusEntry, 0)
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	itemRows, err := q.Query(ctx, `
		SELECT order_id, product_id, name, quantity, image, price
		FROM order_service.order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var orderID uuid.UUID
		var item OrderItem
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Name, &item.Quantity, &item.Image, &item.Price); err != nil {
			return fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.OrderItems = append(o.OrderItems, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating order items: %w", err)
	}

	historyRows, err := q.Query(ctx, `
		SELECT order_id, status, changed_at, COALESCE(comment, '')
		FROM order_service.order_status_history
		WHERE order_id = ANY($1)
		ORDER BY order_id, seq
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query status history: %w", err)
	}
	defer historyRows.Close()

	for historyRows.Next() {
		var orderID uuid.UUID
		var entry StatusEntry
		if err := historyRows.Scan(&orderID, &entry.Status, &entry.Timestamp, &entry.Comment); err != nil {
			return fmt.Errorf("repository: failed to scan status history: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.StatusHistory = append(o.StatusHistory, entry)
		}
	}
	if err := historyRows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating status history: %w", err)
	}

	return nil
}

func (r *postgresRepository) Update(ctx context.Context, id uuid.UUID, fn func(*Order) error) (*Order, error) {
	var result *Order

	err := r.withTx(ctx, id, func(tx pgx.Tx) error {
		o, err := r.getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		persisted := len(o.StatusHistory)

		if err := fn(o); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = o
				return nil
			}
			return err
		}

		if len(o.StatusHistory) < persisted {
			return fmt.Errorf("repository: status history of order %s shrank from %d to %d entries", id, persisted, len(o.StatusHistory))
		}
		if last, ok := o.LastStatus(); !ok || last != o.Status {
			return fmt.Errorf("repository: order %s status %s does not match its last history entry", id, o.Status)
		}

		o.UpdatedAt = r.now()
		query := `
			UPDATE order_service.orders
			SET payment_session_id = $1, payment_result = $2, is_paid = $3, paid_at = $4,
				is_delivered = $5, delivered_at = $6, status = $7, updated_at = $8
			WHERE id = $9
		`
		_, err = tx.Exec(ctx, query,
			o.PaymentSessionID,
			o.PaymentResult,
			o.IsPaid,
			o.PaidAt,
			o.IsDelivered,
			o.DeliveredAt,
			string(o.Status),
			o.UpdatedAt,
			id,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("repository: %w: session id belongs to another order", ErrSessionAlreadyAttached)
			}
			return fmt.Errorf("repository: failed to update order %s: %w", id, err)
		}

		if err := appendHistory(ctx, tx, id, o.StatusHistory[persisted:], persisted); err != nil {
			return err
		}

		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
