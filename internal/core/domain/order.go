package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusDraft       OrderStatus = "draft"
	OrderStatusConfirmed   OrderStatus = "confirmed"
	OrderStatusProcessing  OrderStatus = "processing"
	OrderStatusBackordered OrderStatus = "backordered"
	OrderStatusShipped     OrderStatus = "shipped"
	OrderStatusDelivered   OrderStatus = "delivered"
	OrderStatusCancelled   OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:       {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:   {OrderStatusProcessing, OrderStatusBackordered, OrderStatusCancelled},
	OrderStatusProcessing:  {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusBackordered: {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusShipped:     {OrderStatusDelivered, OrderStatusCancelled},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusBackordered,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItem is a product quantity pair used for reservation requests and results.
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderLine tracks where every requested unit currently sits.
// Pending units are awaiting delivery; backordered units are waiting for stock.
type OrderLine struct {
	ProductID      string `json:"productId"`
	RequestedQty   int    `json:"requestedQty"`
	DeliveredQty   int    `json:"deliveredQty"`
	BackorderedQty int    `json:"backorderedQty"`
	PendingQty     int    `json:"pendingQty"`
}

func (l OrderLine) Balanced() bool {
	return l.RequestedQty == l.DeliveredQty+l.BackorderedQty+l.PendingQty
}

type StatusChange struct {
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ChangedBy string      `json:"changedBy"`
	ChangedAt time.Time   `json:"changedAt"`
	Note      string      `json:"note,omitempty"`
}

// ReservationInfo records what the coordinator reserved and backordered for an order.
type ReservationInfo struct {
	ReservedItems    []LineItem   `json:"reservedItems"`
	BackorderedItems []LineItem   `json:"backorderedItems"`
	ReservedAt       time.Time    `json:"reservedAt"`
	Released         *ReleaseInfo `json:"released,omitempty"`
}

type ReleaseInfo struct {
	Items      []LineItem `json:"items"`
	ReleasedBy string     `json:"releasedBy"`
	ReleasedAt time.Time  `json:"releasedAt"`
	Reason     string     `json:"reason,omitempty"`
}

// Outstanding returns the reserved quantities that have not been released yet.
func (r *ReservationInfo) Outstanding() []LineItem {
	if r == nil || r.Released != nil {
		return nil
	}
	return MergeLineItems(r.ReservedItems)
}

type Order struct {
	ID            string
	CustomerID    string
	WarehouseID   string
	Lines         []OrderLine
	Status        OrderStatus
	StatusHistory []StatusChange
	Reservation   *ReservationInfo
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder builds a draft order. All requested units start as pending.
func NewOrder(id, customerID, warehouseID string, items []LineItem, now time.Time) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("order %s has no lines: %w", id, ErrInvalidQuantity)
	}
	lines := make([]OrderLine, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || it.ProductID == "" {
			return nil, fmt.Errorf("order %s line %q: %w", id, it.ProductID, ErrInvalidQuantity)
		}
		lines = append(lines, OrderLine{
			ProductID:    it.ProductID,
			RequestedQty: it.Quantity,
			PendingQty:   it.Quantity,
		})
	}
	return &Order{
		ID:          id,
		CustomerID:  customerID,
		WarehouseID: warehouseID,
		Lines:       lines,
		Status:      OrderStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	c.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	if o.Reservation != nil {
		r := *o.Reservation
		r.ReservedItems = append([]LineItem(nil), o.Reservation.ReservedItems...)
		r.BackorderedItems = append([]LineItem(nil), o.Reservation.BackorderedItems...)
		if o.Reservation.Released != nil {
			rel := *o.Reservation.Released
			rel.Items = append([]LineItem(nil), o.Reservation.Released.Items...)
			r.Released = &rel
		}
		c.Reservation = &r
	}
	return &c
}

// Items returns the requested quantity of every line.
func (o *Order) Items() []LineItem {
	items := make([]LineItem, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, LineItem{ProductID: l.ProductID, Quantity: l.RequestedQty})
	}
	return items
}

func (o *Order) HasBackorders() bool {
	for _, l := range o.Lines {
		if l.BackorderedQty > 0 {
			return true
		}
	}
	return false
}

// CheckLines verifies the requested = delivered + backordered + pending invariant.
func (o *Order) CheckLines() error {
	for i, l := range o.Lines {
		if l.DeliveredQty < 0 || l.BackorderedQty < 0 || l.PendingQty < 0 || !l.Balanced() {
			return fmt.Errorf("order %s line %d (%s) unbalanced: requested=%d delivered=%d backordered=%d pending=%d",
				o.ID, i, l.ProductID, l.RequestedQty, l.DeliveredQty, l.BackorderedQty, l.PendingQty)
		}
	}
	return nil
}

// RecordTransition moves the order to the given status and appends the history entry.
func (o *Order) RecordTransition(to OrderStatus, actorID, note string, at time.Time) {
	o.StatusHistory = append(o.StatusHistory, StatusChange{
		From:      o.Status,
		To:        to,
		ChangedBy: actorID,
		ChangedAt: at,
		Note:      note,
	})
	o.Status = to
	o.UpdatedAt = at
}

// MergeLineItems sums quantities per product, keeping first-seen order and dropping zero totals.
func MergeLineItems(items []LineItem) []LineItem {
	totals := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := totals[it.ProductID]; !ok {
			order = append(order, it.ProductID)
		}
		totals[it.ProductID] += it.Quantity
	}
	merged := make([]LineItem, 0, len(order))
	for _, id := range order {
		if totals[id] != 0 {
			merged = append(merged, LineItem{ProductID: id, Quantity: totals[id]})
		}
	}
	return merged
}
