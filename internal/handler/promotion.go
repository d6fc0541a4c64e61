package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/promo-engine/internal/domain/promotion"
)

// ValidateCoupon checks a coupon against a cart without placing an order.
// A refused coupon is a 200 with valid=false and the reason.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodeCartRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := promotion.NormalizeCode(req.CouponCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "couponCode required")
		return
	}

	cart, _, err := h.checkout.Cart(ctx, req.Items)
	if err != nil {
		if writeCartError(w, err) {
			return
		}
		writeInternal(ctx, w, errors.Wrap(err, "resolve cart"))
		return
	}

	v, err := h.promotions.ValidateCoupon(ctx, code, promotion.Subtotal(cart), cart, userID(r))
	if err != nil {
		writeInternal(ctx, w, errors.Wrap(err, "validate coupon"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeValidation(e, v)
	})
}

// BestPromotion returns the most valuable promotion for a cart, or 204 when
// nothing discounts it.
func (h *Handler) BestPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodeCartRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cart, _, err := h.checkout.Cart(ctx, req.Items)
	if err != nil {
		if writeCartError(w, err) {
			return
		}
		writeInternal(ctx, w, errors.Wrap(err, "resolve cart"))
		return
	}

	best, err := h.promotions.FindBest(ctx, promotion.Subtotal(cart), cart, req.CouponCode, userID(r))
	if err != nil {
		writeInternal(ctx, w, errors.Wrap(err, "find best promotion"))
		return
	}
	if best == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeResult(e, best)
	})
}
