package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/BearBump/SpotWatch/internal/models"
	"github.com/BearBump/SpotWatch/internal/services/reconcile"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu      sync.Mutex
	orders  map[string]models.TrackedOrder
	writes  int
	listErr error
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]models.TrackedOrder{}}
}

func (r *memRepo) GetOrder(ctx context.Context, orderID string) (*models.TrackedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (r *memRepo) ListOrders(ctx context.Context) ([]*models.TrackedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]*models.TrackedOrder, 0, len(r.orders))
	for _, o := range r.orders {
		cp := o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out, nil
}

func (r *memRepo) UpsertOrder(ctx context.Context, o *models.TrackedOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.orders[o.OrderID] = cp
	return nil
}

func (r *memRepo) DeleteOrder(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, orderID)
	return nil
}

type scriptedSource struct {
	mu      sync.Mutex
	status  map[string]string // orderID -> statusCode
	fail    map[string]bool
	calls   int
	started chan struct{} // закрывается на первом вызове, если задан
	gate    chan struct{} // вызовы ждут, пока канал не закроют
}

func (s *scriptedSource) GetOrderStatus(ctx context.Context, retailerID, orderNumber string) (spotapi.OrderInfo, error) {
	s.mu.Lock()
	s.calls++
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	gate := s.gate
	st, ok := s.status[orderNumber]
	failed := s.fail[orderNumber]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failed {
		return spotapi.OrderInfo{}, errors.New("spot api unavailable")
	}
	if !ok {
		st = models.OrderStatusUnknown
	}
	return spotapi.OrderInfo{
		StatusCode:     st,
		PriceText:      "9,99 €",
		LastUpdateText: "28.08.2026",
	}, nil
}

func (s *scriptedSource) set(orderID, status string) {
	s.mu.Lock()
	s.status[orderID] = status
	s.mu.Unlock()
}

type countingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{calls: map[string]int{}}
}

func (n *countingNotifier) NotifyReady(ctx context.Context, orderID, retailerID string) {
	n.mu.Lock()
	n.calls[orderID]++
	n.mu.Unlock()
}

func (n *countingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := 0
	for _, c := range n.calls {
		t += c
	}
	return t
}

func newService(repo *memRepo, src *scriptedSource, n Notifier) *Service {
	engine := reconcile.New(src, repo)
	return New(repo, engine, n).WithConcurrency(2)
}

func TestService_AddOrder_ValidatesBeforeFetch(t *testing.T) {
	src := &scriptedSource{status: map[string]string{}}
	svc := newService(newMemRepo(), src, newCountingNotifier())

	_, err := svc.AddOrder(context.Background(), "dm", "987654", nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.AddOrder(context.Background(), "1234", "abc", nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Equal(t, 0, src.calls) // до валидного ввода запросов нет
}

func TestService_AddOrder_PersistsAndPrepends(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{"1": models.OrderStatusProcessing, "2": models.OrderStatusReady}}
	svc := newService(repo, src, newCountingNotifier())

	name := "Poster"
	v1, err := svc.AddOrder(context.Background(), "1234", "1", nil)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusProcessing, v1.Status)

	v2, err := svc.AddOrder(context.Background(), "1234", "2", &name)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusReady, v2.Status)

	// последний добавленный — первым в списке
	snap := svc.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "2", snap[0].OrderNumber)
	require.Equal(t, "1", snap[1].OrderNumber)

	// заказ, готовый уже при добавлении, помечен как уведомлённый
	stored, err := repo.GetOrder(context.Background(), "2")
	require.NoError(t, err)
	require.True(t, stored.NotificationSent)
	require.NotNil(t, stored.DisplayName)

	stored1, _ := repo.GetOrder(context.Background(), "1")
	require.False(t, stored1.NotificationSent)
}

func TestService_AddOrder_FetchFailureLeavesNoTrace(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{}, fail: map[string]bool{"5": true}}
	svc := newService(repo, src, newCountingNotifier())

	_, err := svc.AddOrder(context.Background(), "1234", "5", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidInput)

	require.Empty(t, svc.Snapshot())
	stored, _ := repo.GetOrder(context.Background(), "5")
	require.Nil(t, stored)
}

func TestService_DeleteOrder_Idempotent(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{"1": models.OrderStatusPending}}
	svc := newService(repo, src, newCountingNotifier())

	_, err := svc.AddOrder(context.Background(), "1234", "1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteOrder(context.Background(), "1"))
	require.Empty(t, svc.Snapshot())
	require.NoError(t, svc.DeleteOrder(context.Background(), "1")) // повторное удаление — no-op
}

func TestService_RefreshAll_NotifiesExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{"1": models.OrderStatusProcessing}}
	notifier := newCountingNotifier()
	svc := newService(repo, src, notifier)

	_, err := svc.AddOrder(context.Background(), "1234", "1", nil)
	require.NoError(t, err)

	// заказ стал готов
	src.set("1", models.OrderStatusReady)

	res, err := svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Notified)
	require.Equal(t, 1, notifier.calls["1"])

	// источник всё ещё отдаёт READY — повторного уведомления нет
	res, err = svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Notified)
	require.Equal(t, 1, notifier.calls["1"])
}

func TestService_DeleteThenRestore_DoesNotRefire(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{"1": models.OrderStatusProcessing}}
	notifier := newCountingNotifier()
	svc := newService(repo, src, notifier)

	_, err := svc.AddOrder(context.Background(), "1234", "1", nil)
	require.NoError(t, err)

	src.set("1", models.OrderStatusReady)
	_, err = svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls["1"])

	prev := svc.Snapshot()[0]
	require.NoError(t, svc.DeleteOrder(context.Background(), "1"))

	// источник по-прежнему отдаёт READY: restore взводит флаг при создании
	restored, err := svc.RestoreOrder(context.Background(), prev)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusReady, restored.Status)

	_, err = svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls["1"]) // ни restore, ни refresh не добавили уведомлений

	stored, _ := repo.GetOrder(context.Background(), "1")
	require.True(t, stored.NotificationSent)
}

func TestService_RefreshAll_IsolatesPerOrderFailures(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{
		"1": models.OrderStatusProcessing,
		"2": models.OrderStatusProcessing,
		"3": models.OrderStatusProcessing,
	}}
	svc := newService(repo, src, newCountingNotifier())

	for _, id := range []string{"3", "2", "1"} {
		_, err := svc.AddOrder(context.Background(), "1234", id, nil)
		require.NoError(t, err)
	}

	src.set("1", models.OrderStatusWaiting)
	src.set("3", models.OrderStatusReady)
	src.mu.Lock()
	src.fail = map[string]bool{"2": true}
	src.mu.Unlock()

	res, err := svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Views, 3)
	require.Equal(t, 1, res.Failed)

	// относительный порядок списка сохранён: 1, 2, 3 (последний добавленный первым)
	require.Equal(t, "1", res.Views[0].OrderNumber)
	require.Equal(t, "2", res.Views[1].OrderNumber)
	require.Equal(t, "3", res.Views[2].OrderNumber)

	require.Equal(t, models.OrderStatusWaiting, res.Views[0].Status)
	require.Equal(t, models.OrderStatusLoadFailed, res.Views[1].Status)
	require.Equal(t, models.OrderStatusReady, res.Views[2].Status)

	// соседи упавшего обновлены в хранилище, упавший не тронут
	o1, _ := repo.GetOrder(context.Background(), "1")
	require.Equal(t, models.OrderStatusWaiting, o1.Status)
	o2, _ := repo.GetOrder(context.Background(), "2")
	require.Equal(t, models.OrderStatusProcessing, o2.Status)
	require.False(t, o2.NotificationSent)
	o3, _ := repo.GetOrder(context.Background(), "3")
	require.Equal(t, models.OrderStatusReady, o3.Status)
}

func TestService_RefreshAll_TotalBatchFailure(t *testing.T) {
	repo := newMemRepo()
	repo.listErr = errors.New("pg down")
	svc := newService(repo, &scriptedSource{status: map[string]string{}}, newCountingNotifier())

	_, err := svc.RefreshAll(context.Background())
	require.Error(t, err)
}

func TestService_RefreshAll_CoalescesConcurrentCalls(t *testing.T) {
	repo := newMemRepo()
	started := make(chan struct{})
	gate := make(chan struct{})
	src := &scriptedSource{
		status:  map[string]string{"1": models.OrderStatusProcessing},
		started: started,
		gate:    gate,
	}
	notifier := newCountingNotifier()
	svc := newService(repo, src, notifier)

	now := time.Now().UTC()
	require.NoError(t, repo.UpsertOrder(context.Background(), &models.TrackedOrder{
		OrderID: "1", RetailerID: "1234", Status: models.OrderStatusProcessing, LastUpdated: now,
	}))
	src.set("1", models.OrderStatusReady)
	writesBefore := repo.writes

	var wg sync.WaitGroup
	results := make([]BatchResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = svc.RefreshAll(context.Background())
	}()

	<-started // первый цикл уже внутри запроса к источнику
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = svc.RefreshAll(context.Background())
	}()

	// даём второму вызову дойти до коалесценции и отпускаем источник
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	// один набор записей, одно уведомление, оба вызова видят один результат
	require.Equal(t, 1, repo.writes-writesBefore)
	require.Equal(t, 1, notifier.total())
	require.Equal(t, results[0].Notified, results[1].Notified)
	require.Equal(t, int64(1), svc.Stats().TotalCoalesced)
	require.Equal(t, int64(1), svc.Stats().TotalBatches)
}

func TestService_Subscribe_ReceivesSnapshots(t *testing.T) {
	repo := newMemRepo()
	src := &scriptedSource{status: map[string]string{"1": models.OrderStatusPending}}
	svc := newService(repo, src, newCountingNotifier())

	var mu sync.Mutex
	var got [][]models.OrderStatusView
	svc.Subscribe(func(views []models.OrderStatusView) {
		mu.Lock()
		got = append(got, views)
		mu.Unlock()
	})

	_, err := svc.AddOrder(context.Background(), "1234", "1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteOrder(context.Background(), "1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Len(t, got[0], 1)
	require.Empty(t, got[1])
}
