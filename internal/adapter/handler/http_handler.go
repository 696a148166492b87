package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
)

type HTTPHandler struct {
	svc Services
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CreateProductRequest struct {
	ProductID          string          `json:"productId"`
	Name               string          `json:"name"`
	WarehouseID        string          `json:"warehouseId"`
	AllowNegativeStock bool            `json:"allowNegativeStock"`
	InitialQuantity    int             `json:"initialQuantity"`
	UnitCost           decimal.Decimal `json:"unitCost"`
	ActorID            string          `json:"actorId"`
}

type MovementRequest struct {
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unitCost"`
	ReferenceID string          `json:"referenceId"`
	Note        string          `json:"note"`
	ActorID     string          `json:"actorId"`
}

type HoldRequest struct {
	RequestID string `json:"requestId"`
	HolderID  string `json:"holderId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	OrderID     string            `json:"orderId"`
	CustomerID  string            `json:"customerId"`
	WarehouseID string            `json:"warehouseId"`
	Items       []domain.LineItem `json:"items"`
	ActorID     string            `json:"actorId"`
	// Confirm reserves stock right after creation.
	Confirm bool `json:"confirm"`
}

type TransitionRequest struct {
	Status  domain.OrderStatus `json:"status"`
	ActorID string             `json:"actorId"`
	Note    string             `json:"note"`
}

type ActorRequest struct {
	ActorID string `json:"actorId"`
	Note    string `json:"note"`
}

func NewHTTPHandler(svc Services) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

// Routes builds the REST router.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.CreateProduct)
		r.Route("/{productID}", func(r chi.Router) {
			r.Get("/stock", h.GetStock)
			r.Post("/receipts", h.ReceiveStock)
			r.Post("/returns", h.ReturnStock)
			r.Post("/adjustments", h.AdjustStock)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/balance", h.GetBalance)
			r.Post("/balance/rebuild", h.RebuildBalance)
		})
	})

	r.Route("/holds", func(r chi.Router) {
		r.Post("/", h.Hold)
		r.Post("/{holderID}/convert", h.ConvertHold)
		r.Delete("/{holderID}", h.ReleaseHold)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/confirm", h.ConfirmOrder)
			r.Post("/transitions", h.TransitionOrder)
			r.Post("/fulfill", h.FulfillBackorders)
			r.Get("/transactions", h.ListOrderTransactions)
		})
	})

	r.Post("/reconcile", h.Reconcile)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.With(r.Context(), "request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProductID == "" || req.InitialQuantity < 0 {
		writeJSON(w, http.StatusBadRequest, Response{Message: "productId is required and initialQuantity must not be negative"})
		return
	}

	ctx := r.Context()
	product := domain.Product{
		ID:                 req.ProductID,
		Name:               req.Name,
		WarehouseID:        req.WarehouseID,
		AllowNegativeStock: req.AllowNegativeStock,
	}
	if err := h.svc.Products.SaveProduct(ctx, product); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.svc.Ledger.Ensure(ctx, req.ProductID); err != nil {
		writeError(w, r, err)
		return
	}
	if req.InitialQuantity > 0 {
		ref := domain.Reference{Type: domain.ReferenceReceipt, ID: "initial-" + req.ProductID}
		if _, err := h.svc.Coordinator.ReceiveStock(ctx, req.ProductID, req.InitialQuantity, req.UnitCost, ref, req.ActorID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	stock, err := h.svc.stock(ctx, req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: stock})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	stock, err := h.svc.stock(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: stock})
}

func (h *HTTPHandler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	ref := domain.Reference{Type: domain.ReferenceReceipt, ID: req.ReferenceID}
	txn, err := h.svc.Coordinator.ReceiveStock(r.Context(), chi.URLParam(r, "productID"), req.Quantity, req.UnitCost, ref, req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: txn})
}

func (h *HTTPHandler) ReturnStock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	ref := domain.Reference{Type: domain.ReferenceOrder, ID: req.ReferenceID}
	txn, err := h.svc.Coordinator.ReturnStock(r.Context(), chi.URLParam(r, "productID"), req.Quantity, ref, req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: txn})
}

// AdjustStock takes a signed quantity.
func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.svc.Coordinator.AdjustStock(r.Context(), chi.URLParam(r, "productID"), req.Quantity, req.Note, req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: txn})
}

func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.svc.Log.ListByProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: txns})
}

// GetBalance reads the balance for ?warehouseId=, defaulting to the product's warehouse.
func (h *HTTPHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID := chi.URLParam(r, "productID")
	warehouseID := r.URL.Query().Get("warehouseId")
	if warehouseID == "" {
		product, err := h.svc.Products.GetProduct(ctx, productID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		warehouseID = product.WarehouseID
	}

	balance, err := h.svc.Projector.Balance(ctx, productID, warehouseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toBalanceView(*balance)})
}

func (h *HTTPHandler) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	balances, err := h.svc.Projector.Rebuild(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]BalanceView, 0, len(balances))
	for _, b := range balances {
		views = append(views, toBalanceView(b))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: views})
}

func (h *HTTPHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if !decode(w, r, &req) {
		return
	}
	if req.HolderID == "" || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "holderId and productId are required"})
		return
	}
	res, err := h.svc.Holds.HoldOnce(r.Context(), req.RequestID, req.HolderID, req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: res})
}

func (h *HTTPHandler) ConvertHold(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	txns, err := h.svc.Holds.ConvertToPermanent(r.Context(), chi.URLParam(r, "holderID"), req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: txns})
}

func (h *HTTPHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	released, err := h.svc.Holds.Release(r.Context(), chi.URLParam(r, "holderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"released": released}})
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	order, err := h.svc.Orders.Create(ctx, req.OrderID, req.CustomerID, req.WarehouseID, req.Items, req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Confirm {
		if order, err = h.svc.Orders.Confirm(ctx, order.ID, req.ActorID, ""); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: toOrderView(order)})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toOrderView(order)})
}

func (h *HTTPHandler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.svc.Orders.Confirm(r.Context(), chi.URLParam(r, "orderID"), req.ActorID, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toOrderView(order)})
}

func (h *HTTPHandler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.svc.Orders.Transition(r.Context(), chi.URLParam(r, "orderID"), req.Status, req.ActorID, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toOrderView(order)})
}

func (h *HTTPHandler) FulfillBackorders(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.svc.Orders.FulfillBackorders(r.Context(), chi.URLParam(r, "orderID"), req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toOrderView(order)})
}

func (h *HTTPHandler) ListOrderTransactions(w http.ResponseWriter, r *http.Request) {
	ref := domain.Reference{Type: domain.ReferenceOrder, ID: chi.URLParam(r, "orderID")}
	txns, err := h.svc.Log.ListByReference(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: txns})
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.svc.Reconciler.AttemptBackorderFulfillmentForAllOpenOrders(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"cleared": cleared}})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads an optional JSON body into dst; an empty body leaves dst zeroed.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	resp := Response{Message: message}
	var ise *domain.InsufficientStockError
	if errors.As(err, &ise) {
		resp.Data = map[string]int{"requested": ise.Requested, "available": ise.Available}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
