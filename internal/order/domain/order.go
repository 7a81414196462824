package domain

import "time"

type OrderStatus string

const (
	StatusPending          OrderStatus = "pending"
	StatusConfirmed        OrderStatus = "confirmed"
	StatusProcessing       OrderStatus = "processing"
	StatusPartiallyShipped OrderStatus = "partially_shipped"
	StatusShipped          OrderStatus = "shipped"
	StatusDelivered        OrderStatus = "delivered"
	StatusCompleted        OrderStatus = "completed"
	StatusCancelled        OrderStatus = "cancelled"
	StatusReturned         OrderStatus = "returned"
)

type FinancialStatus string

const (
	FinancialPending           FinancialStatus = "pending"
	FinancialAuthorized        FinancialStatus = "authorized"
	FinancialPartiallyPaid     FinancialStatus = "partially_paid"
	FinancialPaid              FinancialStatus = "paid"
	FinancialPartiallyRefunded FinancialStatus = "partially_refunded"
	FinancialRefunded          FinancialStatus = "refunded"
	FinancialVoided            FinancialStatus = "voided"
)

type FulfillmentStatus string

const (
	FulfillmentUnfulfilled        FulfillmentStatus = "unfulfilled"
	FulfillmentPartiallyFulfilled FulfillmentStatus = "partially_fulfilled"
	FulfillmentFulfilled          FulfillmentStatus = "fulfilled"
	FulfillmentPartiallyReturned  FulfillmentStatus = "partially_returned"
	FulfillmentReturned           FulfillmentStatus = "returned"
)

type TransactionKind string

const (
	KindAuthorization TransactionKind = "authorization"
	KindCapture       TransactionKind = "capture"
	KindSale          TransactionKind = "sale"
	KindRefund        TransactionKind = "refund"
	KindVoid          TransactionKind = "void"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindAuthorization, KindCapture, KindSale, KindRefund, KindVoid:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxSuccess TransactionStatus = "success"
	TxFailure TransactionStatus = "failure"
	TxPending TransactionStatus = "pending"
)

func (s TransactionStatus) Valid() bool {
	return s == TxSuccess || s == TxFailure || s == TxPending
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a *Address) complete() bool {
	return a != nil && a.Line1 != "" && a.City != "" && a.PostalCode != "" && a.Country != ""
}

type LineItem struct {
	ID                string `json:"id"`
	SKU               string `json:"sku"`
	Title             string `json:"title"`
	Quantity          int    `json:"quantity"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	DiscountCents     int64  `json:"discount_cents"`
	RequiresShipping  bool   `json:"requires_shipping"`
	FulfilledQuantity int    `json:"fulfilled_quantity"`
	ReturnedQuantity  int    `json:"returned_quantity"`
}

// LineTotal is the line amount after its own discount.
func (li LineItem) LineTotal() int64 {
	return int64(li.Quantity)*li.UnitPriceCents - li.DiscountCents
}

type Transaction struct {
	ID          string            `json:"id"`
	Kind        TransactionKind   `json:"kind"`
	Status      TransactionStatus `json:"status"`
	AmountCents int64             `json:"amount_cents"`
	Reference   string            `json:"reference,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type StatusChange struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Event  Event       `json:"event"`
	Actor  string      `json:"actor,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

type Order struct {
	ID                string            `json:"id"`
	Number            string            `json:"number"`
	StoreID           string            `json:"store_id"`
	CustomerID        string            `json:"customer_id"`
	CustomerEmail     string            `json:"customer_email"`
	Currency          string            `json:"currency"`
	Items             []LineItem        `json:"items"`
	ShippingAddress   *Address          `json:"shipping_address,omitempty"`
	BillingAddress    *Address          `json:"billing_address,omitempty"`
	SubtotalCents     int64             `json:"subtotal_cents"`
	DiscountCents     int64             `json:"discount_cents"`
	ShippingCents     int64             `json:"shipping_cents"`
	TaxCents          int64             `json:"tax_cents"`
	TotalCents        int64             `json:"total_cents"`
	Status            OrderStatus       `json:"status"`
	FinancialStatus   FinancialStatus   `json:"financial_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	Transactions      []Transaction     `json:"transactions"`
	History           []StatusChange    `json:"history"`
	CancelReason      string            `json:"cancel_reason,omitempty"`
	PaymentMethod     string            `json:"payment_method,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so state transitions never alias the caller's
// slices.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]LineItem(nil), o.Items...)
	c.Transactions = append([]Transaction(nil), o.Transactions...)
	c.History = append([]StatusChange(nil), o.History...)
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		c.ShippingAddress = &a
	}
	if o.BillingAddress != nil {
		a := *o.BillingAddress
		c.BillingAddress = &a
	}
	return c
}

func (o Order) item(id string) (int, bool) {
	for i, it := range o.Items {
		if it.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Units reports fulfilled and returned unit counts over shippable items.
func (o Order) Units() (ordered, fulfilled, returned int) {
	for _, it := range o.Items {
		if !it.RequiresShipping {
			continue
		}
		ordered += it.Quantity
		fulfilled += it.FulfilledQuantity
		returned += it.ReturnedQuantity
	}
	return ordered, fulfilled, returned
}
