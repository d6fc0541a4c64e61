package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/promo-engine/internal/domain/order"
)

// PlaceOrder decodes the request, delegates to the checkout service, and maps
// the result (or error) back to an HTTP response.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCartRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.checkout.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		Items:      req.Items,
		CouponCode: req.CouponCode,
		UserID:     userID(r),
	})
	if err != nil {
		if writeCartError(w, err) {
			return
		}
		writeInternal(r.Context(), w, errors.Wrap(err, "place order"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, result)
	})
}
