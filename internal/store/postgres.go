package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/deliverycart/cart-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Advisory totals are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCheckout(ctx context.Context, rec *model.CheckoutRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkouts (id, cart_id, store_id, items, total, status, error, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5::NUMERIC, $6, $7, $8)`,
		rec.ID, rec.CartID, rec.StoreID,
		string(items), rec.Total.String(),
		rec.Status, rec.Error, rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CompleteCheckout(ctx context.Context, id, status string, confirmation json.RawMessage, errMsg string, at time.Time) error {
	var conf *string
	if len(confirmation) > 0 {
		c := string(confirmation)
		conf = &c
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkouts
		 SET status = $2, confirmation = $3::JSONB, error = $4, completed_at = $5
		 WHERE id = $1`,
		id, status, conf, errMsg, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) GetCheckout(ctx context.Context, id string) (*model.CheckoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cart_id, store_id, items, total::TEXT, status, error,
		        confirmation, created_at, completed_at
		 FROM checkouts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get checkout %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanCheckouts(rows)
	if err != nil {
		return nil, fmt.Errorf("get checkout %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &recs[0], nil
}

func (s *PostgresStore) ListCheckoutsByCart(ctx context.Context, cartID string) ([]model.CheckoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cart_id, store_id, items, total::TEXT, status, error,
		        confirmation, created_at, completed_at
		 FROM checkouts WHERE cart_id = $1 ORDER BY created_at`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCheckouts(rows)
}

// scanCheckouts reads pgx rows into CheckoutRecord slices.
func scanCheckouts(rows pgx.Rows) ([]model.CheckoutRecord, error) {
	var recs []model.CheckoutRecord
	for rows.Next() {
		var rec model.CheckoutRecord
		var items, confirmation []byte
		var totalS string

		if err := rows.Scan(&rec.ID, &rec.CartID, &rec.StoreID, &items, &totalS,
			&rec.Status, &rec.Error, &confirmation, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, err
		}

		if err := json.Unmarshal(items, &rec.Items); err != nil {
			return nil, fmt.Errorf("decode items for %s: %w", rec.ID, err)
		}
		total, err := decimal.NewFromString(totalS)
		if err != nil {
			return nil, fmt.Errorf("decode total for %s: %w", rec.ID, err)
		}
		rec.Total = total
		if len(confirmation) > 0 {
			rec.Confirmation = json.RawMessage(confirmation)
		}

		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
