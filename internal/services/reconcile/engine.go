package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/SpotWatch/internal/cache"
	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/BearBump/SpotWatch/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	UpsertOrder(ctx context.Context, o *models.TrackedOrder) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Engine сверяет сохранённое состояние заказа с spot API и решает,
// нужно ли слать уведомление о готовности.
type Engine struct {
	source spotapi.Client
	repo   Repository

	cache    cache.BytesCache
	cacheTTL time.Duration

	rl                 RateLimiter
	rateLimitPerMinute int64

	fetchTimeout time.Duration
}

func New(source spotapi.Client, repo Repository) *Engine {
	return &Engine{
		source:       source,
		repo:         repo,
		fetchTimeout: 10 * time.Second,
	}
}

func (e *Engine) WithCache(c cache.BytesCache, ttl time.Duration) *Engine {
	e.cache = c
	e.cacheTTL = ttl
	return e
}

func (e *Engine) WithRateLimit(rl RateLimiter, perMinute int64) *Engine {
	e.rl = rl
	e.rateLimitPerMinute = perMinute
	return e
}

func (e *Engine) WithFetchTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.fetchTimeout = d
	}
	return e
}

// ViewCacheKey — ключ кэша текущей проекции заказа.
func ViewCacheKey(orderID string) string {
	return fmt.Sprintf("order:%s:view", orderID)
}

// Reconcile fetches the current status of one tracked order and merges it
// into the persisted record.
//
// On a successful fetch the updated record is persisted before returning and
// shouldNotify reports whether this call observed the transition to READY.
// On a fetch failure nothing is persisted and the returned view is a
// LOAD_FAILED placeholder carrying the previous state; that is a recovered
// condition, not an error. A non-nil error means the store write failed.
func (e *Engine) Reconcile(ctx context.Context, order *models.TrackedOrder) (models.OrderStatusView, bool, error) {
	info, err := e.FetchStatus(ctx, order.RetailerID, order.OrderID)
	if err != nil {
		slog.Warn("order status fetch failed",
			"order_id", order.OrderID, "retailer_id", order.RetailerID, "error", err.Error())
		return LoadFailedView(order), false, nil
	}

	shouldNotify := !order.NotificationSent &&
		order.Status != models.OrderStatusReady &&
		info.StatusCode == models.OrderStatusReady

	updated := *order
	updated.Status = info.StatusCode
	// Монотонность: флаг снимается только через delete + re-add.
	updated.NotificationSent = order.NotificationSent || shouldNotify ||
		info.StatusCode == models.OrderStatusReady
	updated.PriceText = info.PriceText
	updated.LastUpdateText = info.LastUpdateText
	updated.LastUpdated = time.Now().UTC()

	if err := e.repo.UpsertOrder(ctx, &updated); err != nil {
		return LoadFailedView(order), false, errors.Wrap(err, "persist order")
	}

	view := models.OrderStatusView{
		OrderNumber:    order.OrderID,
		RetailerID:     order.RetailerID,
		Status:         info.StatusCode,
		PriceText:      info.PriceText,
		LastUpdateText: info.LastUpdateText,
		DisplayName:    order.DisplayName,
	}
	e.cacheView(ctx, view)

	return view, shouldNotify, nil
}

// FetchStatus делает один запрос к spot API с обязательным таймаутом
// и мягким rate limit по минутным окнам.
func (e *Engine) FetchStatus(ctx context.Context, retailerID, orderNumber string) (spotapi.OrderInfo, error) {
	if e.rl != nil && e.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:spot:%s", time.Now().UTC().Format("200601021504"))
		allowed, n, err := e.rl.Allow(ctx, minuteKey, e.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
			slog.Warn("spot api rate limit exceeded", "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	return e.source.GetOrderStatus(fetchCtx, retailerID, orderNumber)
}

// LoadFailedView строит плейсхолдер по последнему сохранённому состоянию.
func LoadFailedView(order *models.TrackedOrder) models.OrderStatusView {
	return models.OrderStatusView{
		OrderNumber:    order.OrderID,
		RetailerID:     order.RetailerID,
		Status:         models.OrderStatusLoadFailed,
		PriceText:      order.PriceText,
		LastUpdateText: order.LastUpdateText,
		DisplayName:    order.DisplayName,
	}
}

func (e *Engine) cacheView(ctx context.Context, view models.OrderStatusView) {
	if e.cache == nil || e.cacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, ViewCacheKey(view.OrderNumber), b, e.cacheTTL); err != nil {
		slog.Warn("cache view", "order_id", view.OrderNumber, "error", err.Error())
	}
}
