package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db Querier
}

// NewRepository returns a read-only product lookup for order placement.
func NewRepository(db Querier) order.Catalog {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) GetProduct(ctx context.Context, id uuid.UUID) (*order.Product, error) {
	query := `SELECT id, name, image, price FROM order_service.products WHERE id = $1`

	var p order.Product
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Image, &p.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug().Stringer("product_id", id).Msg("repository: product not found")
			return nil, order.ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product %s: %w", id, err)
	}

	return &p, nil
}
