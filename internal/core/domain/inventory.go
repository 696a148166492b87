package domain

import "time"

// TemporaryHold is a short-lived claim on stock owned by a checkout session or order.
type TemporaryHold struct {
	HolderID  string    `json:"holderId"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h TemporaryHold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// LedgerEntry is the authoritative on-hand record for a product.
// Available quantity is always derived from OnHand and the unexpired holds.
type LedgerEntry struct {
	ProductID string
	OnHand    int
	Version   int64 // optimistic locking
	Holds     []TemporaryHold
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (e *LedgerEntry) Clone() *LedgerEntry {
	c := *e
	c.Holds = append([]TemporaryHold(nil), e.Holds...)
	return &c
}

// PruneExpired drops holds whose expiry has passed and returns how many were removed.
func (e *LedgerEntry) PruneExpired(now time.Time) int {
	kept := e.Holds[:0]
	removed := 0
	for _, h := range e.Holds {
		if h.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	e.Holds = kept
	return removed
}

func (e *LedgerEntry) HeldQuantity(now time.Time) int {
	return e.heldExcluding(now, "")
}

func (e *LedgerEntry) Available(now time.Time) int {
	return e.OnHand - e.HeldQuantity(now)
}

// AvailableFor is the quantity the given holder may claim: its own hold counts as usable.
func (e *LedgerEntry) AvailableFor(holderID string, now time.Time) int {
	return e.OnHand - e.heldExcluding(now, holderID)
}

func (e *LedgerEntry) heldExcluding(now time.Time, holderID string) int {
	total := 0
	for _, h := range e.Holds {
		if h.Expired(now) || (holderID != "" && h.HolderID == holderID) {
			continue
		}
		total += h.Quantity
	}
	return total
}

func (e *LedgerEntry) HoldFor(holderID string) (TemporaryHold, bool) {
	for _, h := range e.Holds {
		if h.HolderID == holderID {
			return h, true
		}
	}
	return TemporaryHold{}, false
}

// PutHold places or replaces the hold for hold.HolderID.
func (e *LedgerEntry) PutHold(hold TemporaryHold) {
	for i, h := range e.Holds {
		if h.HolderID == hold.HolderID {
			e.Holds[i] = hold
			return
		}
	}
	e.Holds = append(e.Holds, hold)
}

// RemoveHold removes the hold for holderID, reporting the removed hold if there was one.
func (e *LedgerEntry) RemoveHold(holderID string) (TemporaryHold, bool) {
	for i, h := range e.Holds {
		if h.HolderID == holderID {
			e.Holds = append(e.Holds[:i], e.Holds[i+1:]...)
			return h, true
		}
	}
	return TemporaryHold{}, false
}

// NextExpiry returns the earliest hold expiry, or the zero time when there are no holds.
func (e *LedgerEntry) NextExpiry() time.Time {
	var next time.Time
	for _, h := range e.Holds {
		if next.IsZero() || h.ExpiresAt.Before(next) {
			next = h.ExpiresAt
		}
	}
	return next
}

// Product is the catalog view the engine needs. It is read-only to the engine.
type Product struct {
	ID                 string
	Name               string
	WarehouseID        string
	AllowNegativeStock bool
}
