package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/SpotWatch/internal/services/orders"
)

// Интервал проверки ограничен снизу и сверху: чаще 15 минут источник
// дёргать нельзя, реже 3 часов уведомления теряют смысл.
const (
	MinInterval = 15 * time.Minute
	MaxInterval = 180 * time.Minute
)

type Refresher interface {
	RefreshAll(ctx context.Context) (orders.BatchResult, error)
}

// Outcome — результат одного цикла для хост-планировщика.
type Outcome int

const (
	// OutcomeSuccess: цикл прошёл; сбои отдельных заказов не в счёт.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry: цикл не смог выполниться совсем (хранилище недоступно).
	OutcomeRetry
)

// Runner дёргает пакетную сверку по тикеру и по ручному триггеру.
// Наложение вызовов гасится коалесценцией внутри координатора.
type Runner struct {
	svc      Refresher
	interval time.Duration

	retryDelays []time.Duration
	failStreak  int

	triggerCh chan struct{}
}

func New(svc Refresher, interval time.Duration) *Runner {
	return &Runner{
		svc:      svc,
		interval: ClampInterval(interval),
		retryDelays: []time.Duration{
			5 * time.Minute,
			15 * time.Minute,
			30 * time.Minute,
			60 * time.Minute,
		},
		triggerCh: make(chan struct{}, 1),
	}
}

func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// Trigger forces an immediate refresh cycle (best-effort, non-blocking).
func (r *Runner) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		var retry <-chan time.Time
		if d := r.retryDelay(); d > 0 {
			retry = time.After(d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		case <-retry:
			r.runOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл и классифицирует его для хост-планировщика.
func (r *Runner) RunOnce(ctx context.Context) Outcome {
	res, err := r.svc.RefreshAll(ctx)
	if err != nil {
		r.failStreak++
		slog.Error("refresh batch failed", "error", err.Error(), "fail_streak", r.failStreak)
		return OutcomeRetry
	}
	r.failStreak = 0
	slog.Info("refresh batch done",
		"orders", len(res.Views), "notified", res.Notified, "failed", res.Failed)
	return OutcomeSuccess
}

func (r *Runner) runOnce(ctx context.Context) {
	_ = r.RunOnce(ctx)
}

// retryDelay — лесенка бэкоффа после полностью несработавших циклов,
// не длиннее обычного интервала.
func (r *Runner) retryDelay() time.Duration {
	if r.failStreak == 0 {
		return 0
	}
	i := r.failStreak - 1
	if i >= len(r.retryDelays) {
		i = len(r.retryDelays) - 1
	}
	d := r.retryDelays[i]
	if d > r.interval {
		d = r.interval
	}
	return d
}
