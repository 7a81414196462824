package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NumberSource hands out order numbers.
type NumberSource interface {
	Next(ctx context.Context, storeID string, now time.Time) (string, error)
}

// ItemInput is one requested line before pricing.
type ItemInput struct {
	SKU              string `json:"sku"`
	Title            string `json:"title"`
	Quantity         int    `json:"quantity"`
	UnitPriceCents   int64  `json:"unit_price_cents"`
	DiscountCents    int64  `json:"discount_cents"`
	RequiresShipping bool   `json:"requires_shipping"`
}

// OrderBuilder collects order input and validates it all at once in Build.
type OrderBuilder struct {
	storeID       string
	currency      string
	customerID    string
	email         string
	shipTo        *Address
	billTo        *Address
	items         []ItemInput
	discountCents int64
	shippingCents int64
	taxRate       decimal.Decimal
	newID         func() string
}

func NewBuilder(storeID, currency string) *OrderBuilder {
	return &OrderBuilder{
		storeID:  storeID,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		taxRate:  decimal.Zero,
		newID:    func() string { return uuid.NewString() },
	}
}

func (b *OrderBuilder) Customer(id, email string) *OrderBuilder {
	b.customerID = id
	b.email = strings.TrimSpace(email)
	return b
}

func (b *OrderBuilder) ShipTo(a Address) *OrderBuilder {
	b.shipTo = &a
	return b
}

func (b *OrderBuilder) BillTo(a Address) *OrderBuilder {
	b.billTo = &a
	return b
}

func (b *OrderBuilder) AddItem(in ItemInput) *OrderBuilder {
	b.items = append(b.items, in)
	return b
}

func (b *OrderBuilder) Discount(cents int64) *OrderBuilder {
	b.discountCents = cents
	return b
}

func (b *OrderBuilder) Shipping(cents int64) *OrderBuilder {
	b.shippingCents = cents
	return b
}

// TaxRate is a fraction, 0.0825 for 8.25%.
func (b *OrderBuilder) TaxRate(rate decimal.Decimal) *OrderBuilder {
	b.taxRate = rate
	return b
}

func (b *OrderBuilder) validate() []string {
	var problems []string
	if b.storeID == "" {
		problems = append(problems, "store is required")
	}
	if !isCurrencyCode(b.currency) {
		problems = append(problems, fmt.Sprintf("currency %q is not a 3-letter code", b.currency))
	}
	if b.email == "" || !strings.Contains(b.email, "@") {
		problems = append(problems, "customer email is required")
	}
	if len(b.items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	shippable := false
	var subtotal int64
	for i, it := range b.items {
		if it.SKU == "" {
			problems = append(problems, fmt.Sprintf("item %d: sku is required", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if it.UnitPriceCents < 0 {
			problems = append(problems, fmt.Sprintf("item %d: unit price must not be negative", i))
		}
		line := int64(it.Quantity) * it.UnitPriceCents
		if it.DiscountCents < 0 || it.DiscountCents > max(line, 0) {
			problems = append(problems, fmt.Sprintf("item %d: discount must be between 0 and %d", i, max(line, 0)))
		}
		shippable = shippable || it.RequiresShipping
		subtotal += line - it.DiscountCents
	}
	if b.discountCents < 0 || b.discountCents > max(subtotal, 0) {
		problems = append(problems, fmt.Sprintf("order discount must be between 0 and %d", max(subtotal, 0)))
	}
	if b.shippingCents < 0 {
		problems = append(problems, "shipping must not be negative")
	}
	if b.taxRate.IsNegative() {
		problems = append(problems, "tax rate must not be negative")
	}
	if shippable && !b.shipTo.complete() {
		problems = append(problems, "a complete shipping address is required")
	}
	return problems
}

func isCurrencyCode(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// mergeItems folds lines with the same SKU and unit price into one.
func (b *OrderBuilder) mergeItems() []LineItem {
	type key struct {
		sku   string
		price int64
	}
	index := map[key]int{}
	var out []LineItem
	for _, in := range b.items {
		k := key{in.SKU, in.UnitPriceCents}
		if i, ok := index[k]; ok {
			out[i].Quantity += in.Quantity
			out[i].DiscountCents += in.DiscountCents
			out[i].RequiresShipping = out[i].RequiresShipping || in.RequiresShipping
			continue
		}
		index[k] = len(out)
		out = append(out, LineItem{
			ID:               b.newID(),
			SKU:              in.SKU,
			Title:            in.Title,
			Quantity:         in.Quantity,
			UnitPriceCents:   in.UnitPriceCents,
			DiscountCents:    in.DiscountCents,
			RequiresShipping: in.RequiresShipping,
		})
	}
	return out
}

// Tax rounds half up to the minor unit.
func Tax(taxableCents int64, rate decimal.Decimal) int64 {
	if taxableCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(taxableCents).Mul(rate).Round(0).IntPart()
}

// Build validates the input, prices the order and assigns a number. The
// number is only drawn once validation passed.
func (b *OrderBuilder) Build(ctx context.Context, numbers NumberSource, now time.Time) (Order, error) {
	if problems := b.validate(); len(problems) > 0 {
		return Order{}, &ValidationError{Problems: problems}
	}
	items := b.mergeItems()
	subtotal := ComputeTotals(items, 0, 0, 0).SubtotalCents
	totals := ComputeTotals(items, b.discountCents, b.shippingCents, Tax(subtotal-b.discountCents, b.taxRate))

	number, err := numbers.Next(ctx, b.storeID, now)
	if err != nil {
		return Order{}, fmt.Errorf("allocate order number: %w", err)
	}

	now = now.UTC()
	o := Order{
		ID:              b.newID(),
		Number:          number,
		StoreID:         b.storeID,
		CustomerID:      b.customerID,
		CustomerEmail:   b.email,
		Currency:        b.currency,
		Items:           items,
		ShippingAddress: b.shipTo,
		BillingAddress:  b.billTo,
		SubtotalCents:   totals.SubtotalCents,
		DiscountCents:   totals.DiscountCents,
		ShippingCents:   totals.ShippingCents,
		TaxCents:        totals.TaxCents,
		TotalCents:      totals.TotalCents,
		Status:          StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if o.BillingAddress == nil && o.ShippingAddress != nil {
		a := *o.ShippingAddress
		o.BillingAddress = &a
	}
	o.FinancialStatus = DeriveFinancialStatus(o.TotalCents, nil)
	o.FulfillmentStatus = DeriveFulfillmentStatus(o.Items)
	return o, nil
}
