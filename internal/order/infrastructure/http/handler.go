// Package http exposes the order API under /api/v1.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sagadomain "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	"github.com/dmehra2102/commerce-order-platform/internal/order/application"
	"github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/httpx"
	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, in application.PlaceOrderInput) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (domain.Order, error)
	ListOrders(ctx context.Context, f application.ListFilter) ([]domain.Order, error)
	Transition(ctx context.Context, id string, ev domain.Event, actor, reason string) (domain.Order, error)
	Cancel(ctx context.Context, id, actor, reason string) (domain.Order, error)
	RecordTransaction(ctx context.Context, id string, tx domain.Transaction) (domain.Order, error)
	RecordFulfillment(ctx context.Context, id string, lines map[string]int, actor string) (domain.Order, error)
	RecordReturn(ctx context.Context, id string, lines map[string]int, actor, reason string) (domain.Order, error)
}

type SagaReader interface {
	SagaForOrder(ctx context.Context, orderID string) (sagadomain.Saga, error)
}

type Handler struct {
	log     *slog.Logger
	service OrderService
	sagas   SagaReader
	auth    *httpx.Authenticator
	limiter *httpx.RateLimiter
	idem    func(http.Handler) http.Handler
	tracer  trace.Tracer
}

// NewHandler wires the API. idem guards POST /orders against replays and
// may be nil.
func NewHandler(log *slog.Logger, service OrderService, sagas SagaReader, auth *httpx.Authenticator,
	limiter *httpx.RateLimiter, idem func(http.Handler) http.Handler) *Handler {
	if idem == nil {
		idem = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		log:     log,
		service: service,
		sagas:   sagas,
		auth:    auth,
		limiter: limiter,
		idem:    idem,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, metrics.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth.Middleware, h.limiter.Handler)

		r.With(h.idem).Post("/orders", h.placeOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/by-number/{number}", h.getOrderByNumber)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/saga", h.getSaga)

		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireAdmin)
			r.Post("/orders/{id}/transitions", h.transition)
			r.Post("/orders/{id}/transactions", h.recordTransaction)
			r.Post("/orders/{id}/fulfillments", h.recordFulfillment)
			r.Post("/orders/{id}/returns", h.recordReturn)
			r.Post("/orders/{id}/cancel", h.cancel)
		})
	})
	return r
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PlaceOrder")
	defer span.End()

	var in application.PlaceOrderInput
	if !decode(w, r, &in) {
		return
	}
	p, _ := httpx.PrincipalFrom(ctx)
	if !p.IsAdmin() {
		in.CustomerID = p.Subject
	}

	o, err := h.service.PlaceOrder(ctx, in)
	if err != nil && o.ID == "" {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.log.Error("order stored but saga not started", "order_id", o.ID, "err", err)
	}
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.number", o.Number))
	w.Header().Set("Location", "/api/v1/orders/"+o.ID)
	httpx.WriteJSON(w, http.StatusCreated, o)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := application.ListFilter{CustomerID: q.Get("customer_id"), Status: domain.OrderStatus(q.Get("status"))}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if p, _ := httpx.PrincipalFrom(r.Context()); !p.IsAdmin() {
		f.CustomerID = p.Subject
	}

	orders, err := h.service.ListOrders(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	h.respondOwned(w, r, o, err)
}

func (h *Handler) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrderByNumber(r.Context(), chi.URLParam(r, "number"))
	h.respondOwned(w, r, o, err)
}

func (h *Handler) respondOwned(w http.ResponseWriter, r *http.Request, o domain.Order, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !owns(r.Context(), o) {
		httpx.WriteError(w, http.StatusForbidden, errors.New("order belongs to another customer"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !owns(r.Context(), o) {
		httpx.WriteError(w, http.StatusForbidden, errors.New("order belongs to another customer"))
		return
	}
	s, err := h.sagas.SagaForOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

type transitionReq struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if !decode(w, r, &req) {
		return
	}
	ev, err := domain.ParseEvent(req.Event)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), ev, actor(r), req.Reason)
	h.respond(w, r, o, err)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	o, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	h.respond(w, r, o, err)
}

type transactionReq struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionReq
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = string(domain.TxSuccess)
	}
	o, err := h.service.RecordTransaction(r.Context(), chi.URLParam(r, "id"), domain.Transaction{
		ID:          req.ID,
		Kind:        domain.TransactionKind(req.Kind),
		Status:      domain.TransactionStatus(req.Status),
		AmountCents: req.AmountCents,
		Reference:   req.Reference,
	})
	h.respond(w, r, o, err)
}

type linesReq struct {
	Lines  map[string]int `json:"lines"`
	Reason string         `json:"reason"`
}

func (h *Handler) recordFulfillment(w http.ResponseWriter, r *http.Request) {
	var req linesReq
	if !decode(w, r, &req) {
		return
	}
	o, err := h.service.RecordFulfillment(r.Context(), chi.URLParam(r, "id"), req.Lines, actor(r))
	h.respond(w, r, o, err)
}

func (h *Handler) recordReturn(w http.ResponseWriter, r *http.Request) {
	var req linesReq
	if !decode(w, r, &req) {
		return
	}
	o, err := h.service.RecordReturn(r.Context(), chi.URLParam(r, "id"), req.Lines, actor(r), req.Reason)
	h.respond(w, r, o, err)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, o domain.Order, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		httpx.WriteError(w, status, errors.New("internal error"))
		return
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		httpx.WriteJSON(w, status, map[string]any{"error": domain.ErrInvalidOrder.Error(), "problems": ve.Problems})
		return
	}
	httpx.WriteError(w, status, err)
}

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, sagadomain.ErrSagaNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOrderNumber), errors.Is(err, domain.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrOrderInTerminalStatus), errors.Is(err, application.ErrStockUnavailable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrGuardFailed),
		errors.Is(err, domain.ErrUnknownLineItem), errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrOverFulfillment), errors.Is(err, domain.ErrOverReturn),
		errors.Is(err, domain.ErrFulfillmentNotAllowedHere), errors.Is(err, domain.ErrInvalidTransactionAmount),
		errors.Is(err, domain.ErrCaptureExceedsAuthorized), errors.Is(err, domain.ErrRefundExceedsCaptured),
		errors.Is(err, domain.ErrInvalidTransaction):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid integer parameter " + strconv.Quote(s))
	}
	return n, nil
}

func owns(ctx context.Context, o domain.Order) bool {
	p, ok := httpx.PrincipalFrom(ctx)
	return ok && (p.IsAdmin() || p.Subject == o.CustomerID)
}

func actor(r *http.Request) string {
	if p, ok := httpx.PrincipalFrom(r.Context()); ok {
		return p.Subject
	}
	return "api"
}
