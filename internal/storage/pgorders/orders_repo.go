package pgorders

import (
	"context"
	"time"

	"github.com/BearBump/SpotWatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `
  order_id, retailer_id, status, display_name,
  notification_sent, price_text, last_update_text,
  last_updated, created_at
`

// GetOrder возвращает (nil, nil), если заказ не отслеживается.
func (s *Storage) GetOrder(ctx context.Context, orderID string) (*models.TrackedOrder, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE order_id = $1
`, orderID)

	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return o, nil
}

// ListOrders возвращает все отслеживаемые заказы, свежие по last_updated первыми.
func (s *Storage) ListOrders(ctx context.Context) ([]*models.TrackedOrder, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+orderColumns+`
FROM orders
ORDER BY last_updated DESC, created_at DESC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select orders")
	}
	defer rows.Close()

	out := make([]*models.TrackedOrder, 0, 16)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertOrder(ctx context.Context, o *models.TrackedOrder) error {
	now := time.Now().UTC()
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastUpdated := o.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = now
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO orders (
  order_id, retailer_id, status, display_name,
  notification_sent, price_text, last_update_text,
  last_updated, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (order_id)
DO UPDATE SET
  retailer_id = EXCLUDED.retailer_id,
  status = EXCLUDED.status,
  display_name = EXCLUDED.display_name,
  notification_sent = EXCLUDED.notification_sent,
  price_text = EXCLUDED.price_text,
  last_update_text = EXCLUDED.last_update_text,
  last_updated = EXCLUDED.last_updated
`, o.OrderID, o.RetailerID, o.Status, o.DisplayName,
		o.NotificationSent, o.PriceText, o.LastUpdateText,
		lastUpdated, createdAt)
	return errors.Wrap(err, "upsert order")
}

// DeleteOrder идемпотентен: удаление неизвестного заказа не ошибка.
func (s *Storage) DeleteOrder(ctx context.Context, orderID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
	return errors.Wrap(err, "delete order")
}

func scanOrder(row pgx.Row) (*models.TrackedOrder, error) {
	var o models.TrackedOrder
	var displayName *string
	if err := row.Scan(
		&o.OrderID, &o.RetailerID, &o.Status, &displayName,
		&o.NotificationSent, &o.PriceText, &o.LastUpdateText,
		&o.LastUpdated, &o.CreatedAt,
	); err != nil {
		return nil, err
	}
	o.DisplayName = displayName
	return &o, nil
}
