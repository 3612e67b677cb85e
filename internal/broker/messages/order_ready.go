package messages

import "time"

// OrderReady публикуется ровно один раз на переход заказа в DELIVERED.
type OrderReady struct {
	OrderID    string    `json:"order_id"`
	RetailerID string    `json:"retailer_id"`
	ReadyAt    time.Time `json:"ready_at"`
}
