package handler

import (
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/basket"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// money renders amounts as JSON strings with two decimal places.
func money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeResult(e *jx.Encoder, res *checkout.Result) {
	b := res.Basket
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(b.ID)
	e.FieldStart("date_created")
	timestamp(e, b.CreatedAt)
	e.FieldStart("status")
	e.Str(string(b.Status))
	e.FieldStart("currency")
	e.Str(b.Currency)
	e.FieldStart("total_excl_tax")
	money(e, b.TotalExclTax())
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range b.Lines {
		encodeBasketLine(e, l)
	}
	e.ArrEnd()
	e.FieldStart("order")
	if res.Order != nil {
		encodeOrder(e, res.Order)
	} else {
		e.Null()
	}
	e.FieldStart("payment_parameters")
	if res.Payment != nil {
		encodeParameters(e, res.Payment)
	} else {
		e.Null()
	}
	e.ObjEnd()
}

func encodeBasketLine(e *jx.Encoder, l basket.Line) {
	e.ObjStart()
	e.FieldStart("sku")
	e.Str(l.SKU)
	e.FieldStart("title")
	e.Str(l.Title)
	e.FieldStart("quantity")
	e.Int(l.Quantity)
	e.FieldStart("unit_price_excl_tax")
	money(e, l.UnitPriceExclTax)
	e.FieldStart("line_price_excl_tax")
	money(e, l.LinePriceExclTax())
	e.ObjEnd()
}

func encodeParameters(e *jx.Encoder, p *payment.Parameters) {
	e.ObjStart()
	e.FieldStart("payment_page_url")
	e.Str(p.PageURL)
	e.FieldStart("fields")
	e.ObjStart()
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		e.FieldStart(k)
		e.Str(v)
	}
	e.ObjEnd()
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("number")
	e.Str(o.Number)
	e.FieldStart("date_placed")
	timestamp(e, o.DatePlaced)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("shipping_method")
	e.Str(o.ShippingMethod)
	e.FieldStart("shipping_excl_tax")
	money(e, o.ShippingExclTax)
	e.FieldStart("total_excl_tax")
	money(e, o.TotalExclTax)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("sku")
		e.Str(l.SKU)
		e.FieldStart("title")
		e.Str(l.Title)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("line_price_excl_tax")
		money(e, l.LinePriceExclTax)
		e.FieldStart("status")
		e.Str(string(l.Status))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("payments")
	e.ArrStart()
	for _, s := range o.Sources {
		e.ObjStart()
		e.FieldStart("source_type")
		e.Str(s.SourceType.Name)
		e.FieldStart("reference")
		e.Str(s.Reference)
		e.FieldStart("amount_debited")
		money(e, s.AmountDebited)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeOrders(e *jx.Encoder, orders []*order.Order) {
	e.ObjStart()
	e.FieldStart("count")
	e.Int(len(orders))
	e.FieldStart("results")
	e.ArrStart()
	for _, o := range orders {
		encodeOrder(e, o)
	}
	e.ArrEnd()
	e.ObjEnd()
}
