package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  order_id TEXT PRIMARY KEY,
  retailer_id TEXT NOT NULL,
  status TEXT NOT NULL,
  notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
  last_updated TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_last_updated ON orders(last_updated DESC)`,
		// Поля добавляем только аддитивно (NULL/default), чтобы старые записи
		// оставались валидными без перезаливки.
		`ALTER TABLE orders ADD COLUMN IF NOT EXISTS display_name TEXT NULL`,
		`ALTER TABLE orders ADD COLUMN IF NOT EXISTS price_text TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE orders ADD COLUMN IF NOT EXISTS last_update_text TEXT NOT NULL DEFAULT ''`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
