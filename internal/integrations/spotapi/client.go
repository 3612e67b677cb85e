package spotapi

import "context"

// OrderInfo — текущее состояние заказа по данным spot API.
type OrderInfo struct {
	OrderNumber    int
	StatusCode     string
	LastUpdateText string
	PriceText      string
}

type Client interface {
	GetOrderStatus(ctx context.Context, retailerID, orderNumber string) (OrderInfo, error)
}
