// Package handler exposes the catalog, checkout and promotion endpoints over
// HTTP with JSON bodies.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/domain/product"
	"github.com/xenking/promo-engine/internal/domain/promotion"
)

// UserIDHeader optionally identifies the shopper for per-user coupon limits.
const UserIDHeader = "X-User-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Checkout resolves carts and places orders. *order.Service implements it.
type Checkout interface {
	Cart(ctx context.Context, items []order.OrderItem) ([]promotion.CartItem, []product.Product, error)
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
}

// Handler serves the public API, delegating business logic to the checkout
// service, the promotion engine and the product repository.
type Handler struct {
	products   product.Repository
	checkout   Checkout
	promotions order.Promotions
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	products product.Repository,
	checkout Checkout,
	promotions order.Promotions,
) *Handler {
	return &Handler{
		products:   products,
		checkout:   checkout,
		promotions: promotions,
	}
}

// Routes configures per-route middleware.
type Routes struct {
	// PlaceOrder guards order placement, typically API key auth.
	PlaceOrder func(http.Handler) http.Handler
	// Validate guards coupon validation, typically a rate limiter.
	Validate func(http.Handler) http.Handler
}

// Register mounts the API under /api on mux.
func (h *Handler) Register(mux *http.ServeMux, routes Routes) {
	mux.HandleFunc("GET /api/product", h.ListProducts)
	mux.HandleFunc("GET /api/product/{productId}", h.GetProduct)
	mux.Handle("POST /api/order", guard(routes.PlaceOrder, http.HandlerFunc(h.PlaceOrder)))
	mux.Handle("POST /api/promotion/validate", guard(routes.Validate, http.HandlerFunc(h.ValidateCoupon)))
	mux.HandleFunc("POST /api/promotion/best", h.BestPromotion)
}

func guard(mw func(http.Handler) http.Handler, h http.Handler) http.Handler {
	if mw == nil {
		return h
	}
	return mw(h)
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

// writeJSON writes a JSON body produced by fn with the given status.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the {code, message} error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("code")
			e.Int(status)
			e.FieldStart("message")
			e.Str(message)
		})
	})
}

// writeInternal logs err and hides its details from the client.
func writeInternal(ctx context.Context, w http.ResponseWriter, err error) {
	zctx.From(ctx).Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeCartError maps checkout errors to client responses. It reports
// whether err was handled.
func writeCartError(w http.ResponseWriter, err error) bool {
	if errors.Is(err, order.ErrEmptyItems) {
		writeError(w, http.StatusBadRequest, err.Error())
		return true
	}

	var iqErr *order.InvalidQuantityError
	if errors.As(err, &iqErr) {
		writeError(w, http.StatusUnprocessableEntity, iqErr.Error())
		return true
	}

	var pnfErr *order.ProductNotFoundError
	if errors.As(err, &pnfErr) {
		writeError(w, http.StatusUnprocessableEntity, pnfErr.Error())
		return true
	}

	var rejected *order.CouponRejectedError
	if errors.As(err, &rejected) {
		writeError(w, http.StatusUnprocessableEntity, rejected.Err.Error())
		return true
	}

	return false
}
