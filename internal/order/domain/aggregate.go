package domain

import "fmt"

// Ledger sums the successful transactions of an order.
type Ledger struct {
	TotalCents       int64 `json:"total_cents"`
	AuthorizedCents  int64 `json:"authorized_cents"`
	CapturedCents    int64 `json:"captured_cents"`
	RefundedCents    int64 `json:"refunded_cents"`
	NetPaidCents     int64 `json:"net_paid_cents"`
	OutstandingCents int64 `json:"outstanding_cents"`
	Voided           bool  `json:"voided"`
}

func ledger(total int64, txs []Transaction) Ledger {
	l := Ledger{TotalCents: total}
	for _, tx := range txs {
		if tx.Status != TxSuccess {
			continue
		}
		switch tx.Kind {
		case KindAuthorization:
			l.AuthorizedCents += tx.AmountCents
		case KindCapture, KindSale:
			l.CapturedCents += tx.AmountCents
		case KindRefund:
			l.RefundedCents += tx.AmountCents
		case KindVoid:
			l.Voided = true
		}
	}
	l.NetPaidCents = l.CapturedCents - l.RefundedCents
	l.OutstandingCents = max(total-l.NetPaidCents, 0)
	return l
}

// Balance reports how much of the order total has been paid.
func Balance(o Order) Ledger {
	return ledger(o.TotalCents, o.Transactions)
}

func DeriveFinancialStatus(totalCents int64, txs []Transaction) FinancialStatus {
	l := ledger(totalCents, txs)
	switch {
	case l.RefundedCents > 0:
		if l.RefundedCents >= l.CapturedCents {
			return FinancialRefunded
		}
		return FinancialPartiallyRefunded
	case l.CapturedCents > 0 && l.CapturedCents >= totalCents:
		return FinancialPaid
	case l.CapturedCents > 0:
		return FinancialPartiallyPaid
	case l.Voided:
		return FinancialVoided
	case l.AuthorizedCents > 0 && l.AuthorizedCents >= totalCents:
		return FinancialAuthorized
	case totalCents == 0:
		return FinancialPaid
	}
	return FinancialPending
}

// DeriveFulfillmentStatus only looks at items that require shipping; an
// order with none of them counts as fulfilled.
func DeriveFulfillmentStatus(items []LineItem) FulfillmentStatus {
	var ordered, fulfilled, returned int
	for _, it := range items {
		if !it.RequiresShipping {
			continue
		}
		ordered += it.Quantity
		fulfilled += it.FulfilledQuantity
		returned += it.ReturnedQuantity
	}
	switch {
	case ordered == 0:
		return FulfillmentFulfilled
	case returned > 0 && returned == fulfilled:
		return FulfillmentReturned
	case returned > 0:
		return FulfillmentPartiallyReturned
	case fulfilled == 0:
		return FulfillmentUnfulfilled
	case fulfilled < ordered:
		return FulfillmentPartiallyFulfilled
	}
	return FulfillmentFulfilled
}

type Totals struct {
	SubtotalCents int64
	DiscountCents int64
	ShippingCents int64
	TaxCents      int64
	TotalCents    int64
}

func ComputeTotals(items []LineItem, discountCents, shippingCents, taxCents int64) Totals {
	t := Totals{DiscountCents: discountCents, ShippingCents: shippingCents, TaxCents: taxCents}
	for _, it := range items {
		t.SubtotalCents += it.LineTotal()
	}
	t.TotalCents = max(t.SubtotalCents-discountCents+shippingCents+taxCents, 0)
	return t
}

// ApplyFulfillment adds fulfilled units per line item id. Nothing changes
// unless every line is valid.
func ApplyFulfillment(o Order, lines map[string]int) (Order, error) {
	switch o.Status {
	case StatusConfirmed, StatusProcessing, StatusPartiallyShipped:
	default:
		return o, fmt.Errorf("%w: %s", ErrFulfillmentNotAllowedHere, o.Status)
	}
	next := o.Clone()
	for id, qty := range lines {
		i, err := lineFor(next, id, qty)
		if err != nil {
			return o, err
		}
		it := &next.Items[i]
		if it.FulfilledQuantity+qty > it.Quantity {
			return o, fmt.Errorf("%w: item %s has %d of %d fulfilled, got %d more",
				ErrOverFulfillment, id, it.FulfilledQuantity, it.Quantity, qty)
		}
		it.FulfilledQuantity += qty
	}
	next.FulfillmentStatus = DeriveFulfillmentStatus(next.Items)
	return next, nil
}

// ApplyReturn adds returned units per line item id, bounded by what was
// fulfilled.
func ApplyReturn(o Order, lines map[string]int) (Order, error) {
	switch o.Status {
	case StatusShipped, StatusDelivered, StatusCompleted:
	default:
		return o, fmt.Errorf("%w: %s", ErrFulfillmentNotAllowedHere, o.Status)
	}
	next := o.Clone()
	for id, qty := range lines {
		i, err := lineFor(next, id, qty)
		if err != nil {
			return o, err
		}
		it := &next.Items[i]
		if it.ReturnedQuantity+qty > it.FulfilledQuantity {
			return o, fmt.Errorf("%w: item %s has %d of %d returned, got %d more",
				ErrOverReturn, id, it.ReturnedQuantity, it.FulfilledQuantity, qty)
		}
		it.ReturnedQuantity += qty
	}
	next.FulfillmentStatus = DeriveFulfillmentStatus(next.Items)
	return next, nil
}

func lineFor(o Order, id string, qty int) (int, error) {
	i, ok := o.item(id)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownLineItem, id)
	}
	if qty <= 0 {
		return -1, fmt.Errorf("%w: item %s got %d", ErrInvalidQuantity, id, qty)
	}
	return i, nil
}

// RecordTransaction appends tx and re-derives the financial status.
// A transaction whose ID is already recorded is ignored.
func RecordTransaction(o Order, tx Transaction) (Order, error) {
	for _, existing := range o.Transactions {
		if existing.ID == tx.ID {
			return o, nil
		}
	}
	if !tx.Kind.Valid() {
		return o, fmt.Errorf("%w: kind %q", ErrInvalidTransaction, tx.Kind)
	}
	if !tx.Status.Valid() {
		return o, fmt.Errorf("%w: status %q", ErrInvalidTransaction, tx.Status)
	}
	if tx.AmountCents < 0 || (tx.AmountCents == 0 && tx.Kind != KindVoid) {
		return o, fmt.Errorf("%w: %d", ErrInvalidTransactionAmount, tx.AmountCents)
	}
	if tx.Status == TxSuccess {
		l := Balance(o)
		switch tx.Kind {
		case KindRefund:
			if l.RefundedCents+tx.AmountCents > l.CapturedCents {
				return o, fmt.Errorf("%w: %d refunded of %d captured, got %d",
					ErrRefundExceedsCaptured, l.RefundedCents, l.CapturedCents, tx.AmountCents)
			}
		case KindCapture:
			limit := o.TotalCents
			if l.AuthorizedCents > 0 {
				limit = l.AuthorizedCents
			}
			if l.CapturedCents+tx.AmountCents > limit {
				return o, fmt.Errorf("%w: %d captured of %d, got %d",
					ErrCaptureExceedsAuthorized, l.CapturedCents, limit, tx.AmountCents)
			}
		}
	}
	next := o.Clone()
	next.Transactions = append(next.Transactions, tx)
	next.FinancialStatus = DeriveFinancialStatus(next.TotalCents, next.Transactions)
	return next, nil
}
