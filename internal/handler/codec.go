package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/domain/product"
	"github.com/xenking/promo-engine/internal/domain/promotion"
)

// cartRequest is the body shared by order placement and the promotion
// endpoints.
type cartRequest struct {
	Items      []order.OrderItem
	CouponCode string
}

func decodeCartRequest(r *http.Request) (*cartRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	var req cartRequest
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeOrderItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		case "couponCode":
			if d.Next() == jx.Null {
				return d.Null()
			}
			code, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "couponCode")
			}
			req.CouponCode = code
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode request")
	}
	return &req, nil
}

func decodeOrderItem(d *jx.Decoder) (order.OrderItem, error) {
	var item order.OrderItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "productId":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "productId")
			}
			item.ProductID = v
		case "quantity":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "quantity")
			}
			item.Quantity = v
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return item, errors.Wrap(err, "item")
	}
	return item, nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Float64(v.Round(2).InexactFloat64())
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("id")
		e.Str(p.ID)
		e.FieldStart("name")
		e.Str(p.Name)
		e.FieldStart("price")
		money(e, p.Price)
		if p.CategoryID != "" {
			e.FieldStart("category")
			e.Str(p.CategoryID)
		}
		e.FieldStart("sellerId")
		e.Str(p.SellerID)
	})
}

func encodeOrder(e *jx.Encoder, res *order.PlaceOrderResult) {
	o := res.Order
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("id")
		e.Str(o.ID)
		e.FieldStart("items")
		e.Arr(func(e *jx.Encoder) {
			for _, item := range o.Items {
				e.Obj(func(e *jx.Encoder) {
					e.FieldStart("productId")
					e.Str(item.ProductID)
					e.FieldStart("quantity")
					e.Int(item.Quantity)
				})
			}
		})
		e.FieldStart("products")
		e.Arr(func(e *jx.Encoder) {
			for _, p := range res.Products {
				encodeProduct(e, p)
			}
		})
		e.FieldStart("subtotal")
		money(e, o.Subtotal)
		e.FieldStart("discounts")
		money(e, o.Discounts)
		e.FieldStart("total")
		money(e, o.Total)
		if o.PromotionID != "" {
			e.FieldStart("promotionId")
			e.Str(o.PromotionID)
		}
		if o.CouponCode != "" {
			e.FieldStart("couponCode")
			e.Str(o.CouponCode)
		}
		e.FieldStart("freeShipping")
		e.Bool(o.FreeShipping)
	})
}

func encodeValidation(e *jx.Encoder, v *promotion.Validation) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("valid")
		e.Bool(v.Valid)
		if v.Reason != "" {
			e.FieldStart("reason")
			e.Str(v.Reason)
		}
		e.FieldStart("discount")
		money(e, v.Discount)
		if v.Promotion != nil {
			e.FieldStart("promotionId")
			e.Str(v.Promotion.ID)
		}
		e.FieldStart("freeShipping")
		e.Bool(v.Valid && v.Promotion != nil && v.Promotion.Type == promotion.TypeFreeShipping)
	})
}

func encodeResult(e *jx.Encoder, r *promotion.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("promotionId")
		e.Str(r.PromotionID)
		e.FieldStart("promotionName")
		e.Str(r.PromotionName)
		e.FieldStart("type")
		e.Str(string(r.Type))
		e.FieldStart("discountAmount")
		money(e, r.DiscountAmount)
		e.FieldStart("applied")
		e.Bool(r.Applied)
		e.FieldStart("freeShipping")
		e.Bool(r.FreeShipping)
		if r.Reason != "" {
			e.FieldStart("reason")
			e.Str(r.Reason)
		}
	})
}
