package plan

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrPriceNotConfigured = errors.New("plan: no price configured for plan and interval")
	ErrUnknownPrice       = errors.New("plan: price id not in table")
)

// PriceRef keys the price table by plan and billing interval.
type PriceRef struct {
	Plan     ID
	Interval BillingInterval
}

// PriceTable maps (plan, interval) to the billing provider's price ids and
// back. Built from configuration at startup; the reverse mapping is what the
// webhook processor uses to attribute a subscription line item to a plan, so
// construction rejects a price id that appears twice.
type PriceTable struct {
	forward map[PriceRef]string
	reverse map[string]PriceRef
}

// NewPriceTable validates and builds the table. Entries with an empty price
// id are skipped (the plan/interval is simply unavailable for purchase).
func NewPriceTable(entries map[PriceRef]string) (*PriceTable, error) {
	t := &PriceTable{
		forward: make(map[PriceRef]string, len(entries)),
		reverse: make(map[string]PriceRef, len(entries)),
	}
	for ref, priceID := range entries {
		if priceID == "" {
			continue
		}
		if prev, dup := t.reverse[priceID]; dup {
			return nil, fmt.Errorf("plan: price id %q mapped to both %s/%s and %s/%s",
				priceID, prev.Plan, prev.Interval, ref.Plan, ref.Interval)
		}
		t.forward[ref] = priceID
		t.reverse[priceID] = ref
	}
	return t, nil
}

// PriceID resolves the provider price id for a plan and interval.
func (t *PriceTable) PriceID(p ID, i BillingInterval) (string, error) {
	id, ok := t.forward[PriceRef{Plan: p, Interval: i}]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrPriceNotConfigured, p, i)
	}
	return id, nil
}

// PlanForPrice reverse-maps a provider price id to its plan and interval.
func (t *PriceTable) PlanForPrice(priceID string) (PriceRef, error) {
	ref, ok := t.reverse[priceID]
	if !ok {
		return PriceRef{}, fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	return ref, nil
}
