package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/SpotWatch/internal/cache"
	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/BearBump/SpotWatch/internal/models"
	"github.com/BearBump/SpotWatch/internal/services/reconcile"
	"github.com/pkg/errors"
)

type Repository interface {
	GetOrder(ctx context.Context, orderID string) (*models.TrackedOrder, error)
	ListOrders(ctx context.Context) ([]*models.TrackedOrder, error)
	UpsertOrder(ctx context.Context, o *models.TrackedOrder) error
	DeleteOrder(ctx context.Context, orderID string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, order *models.TrackedOrder) (models.OrderStatusView, bool, error)
	FetchStatus(ctx context.Context, retailerID, orderNumber string) (spotapi.OrderInfo, error)
}

// Notifier — fire-and-forget; сбои доставки сервис не видит.
type Notifier interface {
	NotifyReady(ctx context.Context, orderID, retailerID string)
}

var ErrInvalidInput = errors.New("shop and order number must be numeric")

// BatchResult — итог одного цикла сверки всех заказов.
type BatchResult struct {
	Views    []models.OrderStatusView
	Notified int
	Failed   int
}

// Service владеет набором отслеживаемых заказов: жизненный цикл
// add/delete/restore, пакетная сверка и публикация снапшотов списка.
type Service struct {
	repo     Repository
	engine   Reconciler
	notifier Notifier
	viewsC   cache.BytesCache

	concurrency int

	mu          sync.Mutex
	presented   []models.OrderStatusView
	loaded      bool
	subscribers []func([]models.OrderStatusView)

	publishMu sync.Mutex

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	refreshMu sync.Mutex
	inflight  *refreshCall

	startedAtUnixNano int64
	lastBatchUnixNano atomic.Int64
	totalBatches      atomic.Int64
	totalCoalesced    atomic.Int64
	totalProcessed    atomic.Int64
	totalFailed       atomic.Int64
	totalNotified     atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(repo Repository, engine Reconciler, notifier Notifier) *Service {
	return &Service{
		repo:              repo,
		engine:            engine,
		notifier:          notifier,
		concurrency:       4,
		keys:              map[string]*sync.Mutex{},
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithViewCache подключает кэш проекций: чтение в GetOrderView и
// инвалидация при удалении. Наполняет кэш движок сверки.
func (s *Service) WithViewCache(c cache.BytesCache) *Service {
	s.viewsC = c
	return s
}

// GetOrderView отдаёт текущую проекцию одного заказа: сперва кэш, затем
// последнее сохранённое состояние. Второй результат false — заказ не
// отслеживается.
func (s *Service) GetOrderView(ctx context.Context, orderID string) (models.OrderStatusView, bool, error) {
	if s.viewsC != nil {
		if b, ok, err := s.viewsC.Get(ctx, reconcile.ViewCacheKey(orderID)); err == nil && ok {
			var v models.OrderStatusView
			if json.Unmarshal(b, &v) == nil {
				return v, true, nil
			}
		}
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return models.OrderStatusView{}, false, errors.Wrap(err, "get order")
	}
	if o == nil {
		return models.OrderStatusView{}, false, nil
	}
	return models.OrderStatusView{
		OrderNumber:    o.OrderID,
		RetailerID:     o.RetailerID,
		Status:         o.Status,
		PriceText:      o.PriceText,
		LastUpdateText: o.LastUpdateText,
		DisplayName:    o.DisplayName,
	}, true, nil
}

// Subscribe регистрирует получателя снапшотов списка. Доставка синхронная и
// сериализованная; каждый вызов несёт полный новый список.
func (s *Service) Subscribe(fn func([]models.OrderStatusView)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Snapshot возвращает копию текущего представленного списка.
func (s *Service) Snapshot() []models.OrderStatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderStatusView, len(s.presented))
	copy(out, s.presented)
	return out
}

// AddOrder валидирует ввод, делает ровно один запрос статуса и при успехе
// сохраняет заказ. Заказ, уже готовый на момент добавления, уведомление
// не получит: флаг сразу взводится по наблюдаемому статусу.
func (s *Service) AddOrder(ctx context.Context, retailerID, orderNumber string, displayName *string) (models.OrderStatusView, error) {
	if !isNumeric(retailerID) || !isNumeric(orderNumber) {
		return models.OrderStatusView{}, errors.Wrapf(ErrInvalidInput, "shop=%q order=%q", retailerID, orderNumber)
	}

	unlock := s.lockKey(orderNumber)
	defer unlock()

	info, err := s.engine.FetchStatus(ctx, retailerID, orderNumber)
	if err != nil {
		return models.OrderStatusView{}, errors.Wrap(err, "fetch order status")
	}

	now := time.Now().UTC()
	order := &models.TrackedOrder{
		OrderID:          orderNumber,
		RetailerID:       retailerID,
		Status:           info.StatusCode,
		DisplayName:      displayName,
		NotificationSent: info.StatusCode == models.OrderStatusReady,
		PriceText:        info.PriceText,
		LastUpdateText:   info.LastUpdateText,
		LastUpdated:      now,
		CreatedAt:        now,
	}
	if err := s.repo.UpsertOrder(ctx, order); err != nil {
		return models.OrderStatusView{}, errors.Wrap(err, "persist order")
	}

	view := models.OrderStatusView{
		OrderNumber:    orderNumber,
		RetailerID:     retailerID,
		Status:         info.StatusCode,
		PriceText:      info.PriceText,
		LastUpdateText: info.LastUpdateText,
		DisplayName:    displayName,
	}

	s.mu.Lock()
	s.presented = prepend(s.presented, view)
	s.loaded = true
	s.mu.Unlock()
	s.publish()

	slog.Info("order added", "order_id", orderNumber, "retailer_id", retailerID, "status", info.StatusCode)
	return view, nil
}

// DeleteOrder идемпотентен; повторное удаление — no-op.
func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	unlock := s.lockKey(orderID)
	defer unlock()

	if err := s.repo.DeleteOrder(ctx, orderID); err != nil {
		return errors.Wrap(err, "delete order")
	}
	if s.viewsC != nil {
		if err := s.viewsC.Delete(ctx, reconcile.ViewCacheKey(orderID)); err != nil {
			slog.Warn("drop cached view", "order_id", orderID, "error", err.Error())
		}
	}

	s.mu.Lock()
	s.presented = removeByID(s.presented, orderID)
	s.mu.Unlock()
	s.publish()

	slog.Info("order deleted", "order_id", orderID)
	return nil
}

// RestoreOrder заново создаёт заказ по прежней проекции. Это повторное
// добавление, а не undo: история уведомлений прежней записи не возвращается.
func (s *Service) RestoreOrder(ctx context.Context, prev models.OrderStatusView) (models.OrderStatusView, error) {
	return s.AddOrder(ctx, prev.RetailerID, prev.OrderNumber, prev.DisplayName)
}

type refreshCall struct {
	done chan struct{}
	res  BatchResult
	err  error
}

// RefreshAll сверяет все отслеживаемые заказы. Одновременно выполняется не
// более одного цикла: параллельные вызовы присоединяются к идущему и
// получают его результат.
func (s *Service) RefreshAll(ctx context.Context) (BatchResult, error) {
	s.refreshMu.Lock()
	if c := s.inflight; c != nil {
		s.refreshMu.Unlock()
		s.totalCoalesced.Add(1)
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}
	}
	c := &refreshCall{done: make(chan struct{})}
	s.inflight = c
	s.refreshMu.Unlock()

	c.res, c.err = s.refreshAll(ctx)

	s.refreshMu.Lock()
	s.inflight = nil
	s.refreshMu.Unlock()
	close(c.done)

	return c.res, c.err
}

func (s *Service) refreshAll(ctx context.Context) (BatchResult, error) {
	s.totalBatches.Add(1)
	s.lastBatchUnixNano.Store(time.Now().UTC().UnixNano())

	stored, err := s.repo.ListOrders(ctx)
	if err != nil {
		// Недоступное хранилище — отказ всего цикла, не отдельных заказов.
		s.setLastError(err)
		return BatchResult{}, errors.Wrap(err, "list orders")
	}
	work := s.orderWork(stored)

	views := make([]models.OrderStatusView, len(work))
	var notified, failed atomic.Int64

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, o := range work {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, o *models.TrackedOrder) {
			defer func() {
				<-sem
				wg.Done()
			}()
			views[i] = s.reconcileOne(ctx, o, &notified, &failed)
			s.totalProcessed.Add(1)
		}(i, o)
	}
	wg.Wait()

	s.mu.Lock()
	s.presented = views
	s.loaded = true
	s.mu.Unlock()
	s.publish()

	res := BatchResult{
		Views:    views,
		Notified: int(notified.Load()),
		Failed:   int(failed.Load()),
	}
	s.totalNotified.Add(notified.Load())
	s.totalFailed.Add(failed.Load())
	return res, nil
}

func (s *Service) reconcileOne(ctx context.Context, o *models.TrackedOrder, notified, failed *atomic.Int64) models.OrderStatusView {
	unlock := s.lockKey(o.OrderID)
	view, shouldNotify, err := s.engine.Reconcile(ctx, o)
	unlock()

	if err != nil {
		failed.Add(1)
		s.setLastError(err)
		slog.Error("reconcile order", "order_id", o.OrderID, "error", err.Error())
		return view
	}
	if view.Status == models.OrderStatusLoadFailed {
		failed.Add(1)
	}
	if shouldNotify {
		// Запись уже зафиксирована в хранилище, теперь можно уведомлять:
		// падение между записью и уведомлением теряет одно уведомление,
		// но никогда не дублирует его.
		s.notifier.NotifyReady(ctx, o.OrderID, o.RetailerID)
		notified.Add(1)
		slog.Info("order ready", "order_id", o.OrderID, "retailer_id", o.RetailerID)
	}
	return view
}

// orderWork выстраивает пачку в порядке представленного списка, чтобы
// RefreshAll сохранял относительный порядок строк. До первой загрузки
// берётся порядок хранилища (свежие по last_updated первыми).
func (s *Service) orderWork(stored []*models.TrackedOrder) []*models.TrackedOrder {
	s.mu.Lock()
	loaded := s.loaded
	presented := make([]models.OrderStatusView, len(s.presented))
	copy(presented, s.presented)
	s.mu.Unlock()

	if !loaded {
		return stored
	}

	byID := make(map[string]*models.TrackedOrder, len(stored))
	for _, o := range stored {
		byID[o.OrderID] = o
	}

	work := make([]*models.TrackedOrder, 0, len(stored))
	for _, v := range presented {
		if o, ok := byID[v.OrderNumber]; ok {
			work = append(work, o)
			delete(byID, v.OrderNumber)
		}
	}
	// появившиеся мимо представленного списка — в конец, в порядке хранилища
	for _, o := range stored {
		if _, ok := byID[o.OrderID]; ok {
			work = append(work, o)
		}
	}
	return work
}

func (s *Service) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	snapshot := make([]models.OrderStatusView, len(s.presented))
	copy(snapshot, s.presented)
	subs := make([]func([]models.OrderStatusView), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (s *Service) lockKey(orderID string) func() {
	s.keysMu.Lock()
	m, ok := s.keys[orderID]
	if !ok {
		m = &sync.Mutex{}
		s.keys[orderID] = m
	}
	s.keysMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *Service) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastBatchAt    *time.Time `json:"lastBatchAt,omitempty"`
	TotalBatches   int64      `json:"totalBatches"`
	TotalCoalesced int64      `json:"totalCoalesced"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalFailed    int64      `json:"totalFailed"`
	TotalNotified  int64      `json:"totalNotified"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalBatches:   s.totalBatches.Load(),
		TotalCoalesced: s.totalCoalesced.Load(),
		TotalProcessed: s.totalProcessed.Load(),
		TotalFailed:    s.totalFailed.Load(),
		TotalNotified:  s.totalNotified.Load(),
	}
	if n := s.lastBatchUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastBatchAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

func prepend(views []models.OrderStatusView, v models.OrderStatusView) []models.OrderStatusView {
	out := make([]models.OrderStatusView, 0, len(views)+1)
	out = append(out, v)
	for _, existing := range views {
		if existing.OrderNumber == v.OrderNumber {
			continue // повторное добавление обновляет строку, не дублирует
		}
		out = append(out, existing)
	}
	return out
}

func removeByID(views []models.OrderStatusView, orderID string) []models.OrderStatusView {
	out := views[:0]
	for _, v := range views {
		if v.OrderNumber != orderID {
			out = append(out, v)
		}
	}
	return out
}
