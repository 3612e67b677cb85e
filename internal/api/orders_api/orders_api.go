package orders_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/SpotWatch/internal/models"
	"github.com/BearBump/SpotWatch/internal/services/orders"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// OrdersAPI — тонкая JSON-обвязка над координатором.
type OrdersAPI struct {
	svc *orders.Service
}

func New(svc *orders.Service) *OrdersAPI {
	return &OrdersAPI{svc: svc}
}

func (a *OrdersAPI) Routes(r chi.Router) {
	r.Post("/v1/orders", a.addOrder)
	r.Get("/v1/orders", a.listOrders)
	r.Get("/v1/orders/{orderID}", a.getOrder)
	r.Delete("/v1/orders/{orderID}", a.deleteOrder)
	r.Post("/v1/orders/restore", a.restoreOrder)
	r.Post("/v1/refresh", a.refresh)
}

type addOrderRequest struct {
	Shop  string `json:"shop"`
	Order string `json:"order"`
	Name  string `json:"name,omitempty"`
}

func (a *OrdersAPI) addOrder(w http.ResponseWriter, r *http.Request) {
	var req addOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var name *string
	if req.Name != "" {
		name = &req.Name
	}

	view, err := a.svc.AddOrder(r.Context(), req.Shop, req.Order, name)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// статус не удалось получить — заказ не добавлен
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *OrdersAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": a.svc.Snapshot()})
}

func (a *OrdersAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	view, ok, err := a.svc.GetOrderView(r.Context(), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "order is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *OrdersAPI) deleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := a.svc.DeleteOrder(r.Context(), orderID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *OrdersAPI) restoreOrder(w http.ResponseWriter, r *http.Request) {
	var prev models.OrderStatusView
	if err := json.NewDecoder(r.Body).Decode(&prev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	view, err := a.svc.RestoreOrder(r.Context(), prev)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *OrdersAPI) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.RefreshAll(r.Context())
	if err != nil {
		// хранилище недоступно: для интерактивного вызова это видимая ошибка
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":   res.Views,
		"notified": res.Notified,
		"failed":   res.Failed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
