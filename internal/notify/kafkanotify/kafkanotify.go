package kafkanotify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/SpotWatch/internal/broker/messages"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Notifier шлёт событие "заказ готов" в Kafka. Fire-and-forget: ошибки
// публикации логируются и глотаются, ретраев нет.
type Notifier struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Notifier {
	if topic == "" {
		topic = "order.ready"
	}
	return &Notifier{producer: producer, topic: topic}
}

func (n *Notifier) NotifyReady(ctx context.Context, orderID, retailerID string) {
	msg := messages.OrderReady{
		OrderID:    orderID,
		RetailerID: retailerID,
		ReadyAt:    time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal order ready", "order_id", orderID, "error", err.Error())
		return
	}
	if err := n.producer.Publish(ctx, n.topic, []byte(orderID), b); err != nil {
		slog.Error("publish order ready", "order_id", orderID, "retailer_id", retailerID, "error", err.Error())
	}
}
