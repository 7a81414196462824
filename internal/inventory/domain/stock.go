package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type ReservationStatus string

const (
	Reserved  ReservationStatus = "reserved"
	Released  ReservationStatus = "released"
	Committed ReservationStatus = "committed"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation is closed")
)

// Stock is the level of one SKU. Reserved units are held for orders that
// have not been captured yet; Sold units left the warehouse.
type Stock struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type Reservation struct {
	OrderID   string            `json:"order_id"`
	Lines     []Line            `json:"lines"`
	Status    ReservationStatus `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Shortage struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", s.SKU, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Normalize merges lines per SKU, drops non-positive quantities and sorts
// by SKU so row locks are always taken in the same order.
func Normalize(lines []Line) []Line {
	qty := map[string]int{}
	for _, l := range lines {
		if l.Quantity > 0 {
			qty[l.SKU] += l.Quantity
		}
	}
	out := make([]Line, 0, len(qty))
	for sku, q := range qty {
		out = append(out, Line{SKU: sku, Quantity: q})
	}
	slices.SortFunc(out, func(a, b Line) int { return strings.Compare(a.SKU, b.SKU) })
	return out
}

func SKUs(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.SKU)
	}
	return out
}

// Check returns an error listing every line the levels cannot cover.
// Unknown SKUs count as zero available.
func Check(levels map[string]Stock, lines []Line) error {
	var short []Shortage
	for _, l := range Normalize(lines) {
		if have := levels[l.SKU].Available; have < l.Quantity {
			short = append(short, Shortage{SKU: l.SKU, Requested: l.Quantity, Available: have})
		}
	}
	if len(short) > 0 {
		return &InsufficientStockError{Shortages: short}
	}
	return nil
}
