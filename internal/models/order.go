package models

import "time"

// Коды статусов заказа из spot API (summaryStateCode).
const (
	OrderStatusUnknown    = "UNKNOWN"
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusWaiting    = "WAITING"
	// Заказ готов к выдаче. Терминальный для уведомлений.
	OrderStatusReady = "DELIVERED"
)

// OrderStatusLoadFailed is a presentation-only sentinel for rows whose last
// refresh failed. It is never written to the store.
const OrderStatusLoadFailed = "LOAD_FAILED"

// TrackedOrder is the persisted tracking state for one (retailer, order) pair.
// PriceText and LastUpdateText are cached display fields from the last
// successful fetch, so a failed refresh can still render the previous state.
type TrackedOrder struct {
	OrderID          string
	RetailerID       string
	Status           string
	DisplayName      *string
	NotificationSent bool
	PriceText        string
	LastUpdateText   string
	LastUpdated      time.Time
	CreatedAt        time.Time
}

// OrderStatusView is the transient per-fetch projection shown to callers.
// It carries no identity beyond (OrderNumber, RetailerID).
type OrderStatusView struct {
	OrderNumber    string  `json:"orderNumber"`
	RetailerID     string  `json:"retailerId"`
	Status         string  `json:"status"`
	PriceText      string  `json:"priceText,omitempty"`
	LastUpdateText string  `json:"lastUpdateText,omitempty"`
	DisplayName    *string `json:"displayName,omitempty"`
}
