package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const txnCols = `id, merchant_request_id, checkout_request_id, phone_number, amount,
	account_reference, transaction_desc, related_entity_type, related_entity_id,
	status, result_code, result_desc, mpesa_receipt_number, transaction_date,
	created_at, updated_at`

func (r *transactionRepoPG) scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.MerchantRequestID, &t.CheckoutRequestID, &t.PhoneNumber, &t.Amount,
		&t.AccountReference, &t.TransactionDesc, &t.RelatedEntityType, &t.RelatedEntityID,
		&t.Status, &t.ResultCode, &t.ResultDesc, &t.MpesaReceiptNumber, &t.TransactionDate,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return &t, err
}

const uniqueViolation = "23505"

func (r *transactionRepoPG) Create(ctx context.Context, t *Transaction) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO mpesa_transaction (merchant_request_id, checkout_request_id, phone_number, amount,
			account_reference, transaction_desc, related_entity_type, related_entity_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		t.MerchantRequestID, t.CheckoutRequestID, t.PhoneNumber, t.Amount,
		t.AccountReference, t.TransactionDesc, t.RelatedEntityType, t.RelatedEntityID, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateCheckoutRequestID, t.CheckoutRequestID)
	}
	return err
}

func (r *transactionRepoPG) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	return r.scanTransaction(r.conn(ctx).QueryRow(ctx,
		`SELECT `+txnCols+` FROM mpesa_transaction WHERE checkout_request_id = $1`, checkoutRequestID))
}

// UpdateOutcome only touches rows still in PENDING, so a terminal state is
// never overwritten.
func (r *transactionRepoPG) UpdateOutcome(ctx context.Context, t *Transaction) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE mpesa_transaction
		SET status = $2, result_code = $3, result_desc = $4,
			mpesa_receipt_number = $5, transaction_date = $6, updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = 'PENDING'
		RETURNING updated_at`,
		t.CheckoutRequestID, t.Status, t.ResultCode, t.ResultDesc,
		t.MpesaReceiptNumber, t.TransactionDate,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidTransition
	}
	return err
}

func (r *transactionRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Transaction, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RelatedEntityType != "" {
		add("related_entity_type = $%d", f.RelatedEntityType)
	}
	if f.RelatedEntityID != nil {
		add("related_entity_id = $%d", *f.RelatedEntityID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM mpesa_transaction`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM mpesa_transaction%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		txnCols, cond, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		t, err := r.scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
