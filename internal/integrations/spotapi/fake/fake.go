package fake

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/BearBump/SpotWatch/internal/models"
)

// FakeClient — заглушка spot API для демо и локального запуска.
// Статус детерминирован по (shop, order): часть заказов сразу DELIVERED.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) GetOrderStatus(ctx context.Context, retailerID, orderNumber string) (spotapi.OrderInfo, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(retailerID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(orderNumber))
	v := h.Sum32()

	// 20% заказов считаем готовыми к выдаче
	status := models.OrderStatusProcessing
	if v%5 == 0 {
		status = models.OrderStatusReady
	}

	n, _ := strconv.Atoi(orderNumber)
	return spotapi.OrderInfo{
		OrderNumber:    n,
		StatusCode:     status,
		LastUpdateText: time.Now().UTC().Format("02.01.2006"),
		PriceText:      "0,00 €",
	}, nil
}
