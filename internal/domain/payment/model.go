package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrInvalidTransition   = errors.New("payment transaction is already in a terminal state")
	ErrValidation          = errors.New("invalid payment request")

	// ErrDuplicateCheckoutRequestID means the gateway handed out a checkout
	// id that is already stored for this tenant.
	ErrDuplicateCheckoutRequestID = errors.New("checkout request id already recorded")
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusSuccess, StatusFailed},
	StatusSuccess: {},
	StatusFailed:  {},
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction maps to the mpesa_transaction table. Request facts are fixed
// at creation; outcome facts are written once by reconciliation.
type Transaction struct {
	ID                int64   `db:"id" json:"id"`
	MerchantRequestID string  `db:"merchant_request_id" json:"merchant_request_id"`
	CheckoutRequestID string  `db:"checkout_request_id" json:"checkout_request_id"`
	PhoneNumber       string  `db:"phone_number" json:"phone_number"`
	Amount            int64   `db:"amount" json:"amount"`
	AccountReference  string  `db:"account_reference" json:"account_reference"`
	TransactionDesc   string  `db:"transaction_desc" json:"transaction_desc"`
	RelatedEntityType *string `db:"related_entity_type" json:"related_entity_type,omitempty"`
	RelatedEntityID   *int64  `db:"related_entity_id" json:"related_entity_id,omitempty"`

	Status             Status     `db:"status" json:"status"`
	ResultCode         *string    `db:"result_code" json:"result_code,omitempty"`
	ResultDesc         *string    `db:"result_desc" json:"result_desc,omitempty"`
	MpesaReceiptNumber *string    `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	TransactionDate    *time.Time `db:"transaction_date" json:"transaction_date,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// InitiateRequest is the input of Service.Initiate.
type InitiateRequest struct {
	PhoneNumber       string          `json:"phone_number" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	AccountReference  string          `json:"account_reference" validate:"required,max=12"`
	TransactionDesc   string          `json:"transaction_desc" validate:"max=13"`
	RelatedEntityType *string         `json:"related_entity_type,omitempty" validate:"omitempty,min=1,max=32"`
	RelatedEntityID   *int64          `json:"related_entity_id,omitempty" validate:"omitempty,gt=0"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status            Status
	RelatedEntityType string
	RelatedEntityID   *int64
}

// Outcome is the terminal result applied to a pending transaction, from a
// callback or a status query.
type Outcome struct {
	ResultCode    string
	ResultDesc    string
	ReceiptNumber string
	// TransactionDate is nil when the source carried none.
	TransactionDate *time.Time
}

// Succeeded reports whether the result code is the gateway's success
// sentinel.
func (o Outcome) Succeeded() bool {
	return o.ResultCode == "0"
}
