package billing

import "context"

// Store persists team billing records and the processed-event ledger.
type Store interface {
	// GetByTeam returns the record for a team, or ErrNotFound.
	GetByTeam(ctx context.Context, teamID string) (*TeamBilling, error)
	// GetByCustomer returns the record owning an external customer id, or
	// ErrCustomerNotFound.
	GetByCustomer(ctx context.Context, customerID string) (*TeamBilling, error)
	// Ensure returns the team's record, creating a free/none one if absent.
	Ensure(ctx context.Context, teamID string) (*TeamBilling, error)
	// Update overwrites a record. The record must exist.
	Update(ctx context.Context, tb *TeamBilling) error

	// MarkEventProcessed records a webhook event id in the ledger,
	// returning ErrEventProcessed if it was already there. The check and
	// the insert are one atomic step.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}
