package payment

import "context"

type TransactionRepository interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error)
	// UpdateOutcome writes the outcome columns of a PENDING record. It
	// returns ErrInvalidTransition when the record is no longer pending.
	UpdateOutcome(ctx context.Context, tx *Transaction) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Transaction, int, error)
}
