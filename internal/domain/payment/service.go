package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/mpesa"
)

// Gateway is the part of the M-Pesa client the service depends on.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// Recorder receives payment outcome counts. Outcomes are short labels such
// as "accepted", "rejected", "success", "failed", "not_found".
type Recorder interface {
	InitiationAttempt(outcome string)
	CallbackProcessed(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) InitiationAttempt(string) {}
func (nopRecorder) CallbackProcessed(string) {}

const defaultTransactionDesc = "Payment"

// maxAmount is the largest single STK push the gateway accepts, in whole
// shillings.
const maxAmount = 250000

type Service struct {
	txns        TransactionRepository
	gateway     Gateway
	callbackURL string
	logger      zerolog.Logger
	metrics     Recorder
	validate    *validator.Validate
	now         func() time.Time
}

func NewService(txns TransactionRepository, gateway Gateway, callbackURL string, logger zerolog.Logger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		txns:        txns,
		gateway:     gateway,
		callbackURL: callbackURL,
		logger:      logger.With().Str("component", "payment").Logger(),
		metrics:     nopRecorder{},
		validate:    v,
		now:         time.Now,
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

// Initiate pushes a payment prompt to the payer and records a PENDING
// transaction. Nothing is stored when the gateway does not accept the push.
func (s *Service) Initiate(ctx context.Context, req *InitiateRequest) (*Transaction, error) {
	if err := s.validateInitiate(req); err != nil {
		s.metrics.InitiationAttempt("invalid")
		return nil, err
	}

	amount := req.Amount.Round(0).IntPart()
	phone := mpesa.NormalizePhone(req.PhoneNumber)
	desc := strings.TrimSpace(req.TransactionDesc)
	if desc == "" {
		desc = defaultTransactionDesc
	}
	var entityType *string
	if req.RelatedEntityType != nil {
		t := strings.ToUpper(strings.TrimSpace(*req.RelatedEntityType))
		entityType = &t
	}

	resp, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: req.AccountReference,
		TransactionDesc:  desc,
		CallbackURL:      s.tenantCallbackURL(ctx),
	})
	if err != nil {
		s.metrics.InitiationAttempt("rejected")
		s.logger.Warn().Err(err).
			Str("tenant", db.TenantFromContext(ctx)).
			Str("account_reference", req.AccountReference).
			Msg("stk push not accepted")
		return nil, err
	}

	txn := &Transaction{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		AccountReference:  req.AccountReference,
		TransactionDesc:   desc,
		RelatedEntityType: entityType,
		RelatedEntityID:   req.RelatedEntityID,
		Status:            StatusPending,
	}
	if err := s.txns.Create(ctx, txn); err != nil {
		s.metrics.InitiationAttempt("unrecorded")
		if errors.Is(err, ErrDuplicateCheckoutRequestID) {
			s.logger.Error().
				Str("tenant", db.TenantFromContext(ctx)).
				Str("checkout_request_id", resp.CheckoutRequestID).
				Str("merchant_request_id", resp.MerchantRequestID).
				Msg("gateway reused a recorded checkout request id")
			return nil, err
		}
		// The prompt is already on the payer's phone; keep the ids in the log
		// so the payment can be traced manually.
		s.logger.Error().Err(err).
			Str("checkout_request_id", resp.CheckoutRequestID).
			Str("merchant_request_id", resp.MerchantRequestID).
			Msg("failed to persist accepted stk push")
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	s.metrics.InitiationAttempt("accepted")
	s.logger.Info().
		Str("tenant", db.TenantFromContext(ctx)).
		Str("checkout_request_id", txn.CheckoutRequestID).
		Int64("amount", txn.Amount).
		Msg("stk push accepted")
	return txn, nil
}

func (s *Service) validateInitiate(req *InitiateRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request body is required", ErrValidation)
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	rounded := req.Amount.Round(0)
	if !rounded.IsPositive() {
		return fmt.Errorf("%w: amount must be at least 1 after rounding", ErrValidation)
	}
	if rounded.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return fmt.Errorf("%w: amount must be at most %d", ErrValidation, maxAmount)
	}
	if (req.RelatedEntityType == nil) != (req.RelatedEntityID == nil) {
		return fmt.Errorf("%w: related_entity_type and related_entity_id must be given together", ErrValidation)
	}
	if phone := mpesa.NormalizePhone(req.PhoneNumber); !mpesa.LooksLikeMSISDN(phone) {
		return fmt.Errorf("%w: phone_number %q does not normalize to a valid MSISDN", ErrValidation, req.PhoneNumber)
	}
	return nil
}

// tenantCallbackURL appends the caller's tenant to the callback URL so the
// webhook is resolved against the same schema.
func (s *Service) tenantCallbackURL(ctx context.Context) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" || s.callbackURL == "" {
		return s.callbackURL
	}
	u, err := url.Parse(s.callbackURL)
	if err != nil {
		return s.callbackURL
	}
	q := u.Query()
	q.Set("tenant_id", tenant)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleCallback applies an asynchronous gateway notification. Duplicate
// deliveries of an outcome already stored return the stored record.
func (s *Service) HandleCallback(ctx context.Context, body []byte) (*Transaction, error) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		s.metrics.CallbackProcessed("malformed")
		s.logger.Warn().Err(err).Msg("rejected malformed stk callback")
		return nil, err
	}

	txn, err := s.txns.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			s.metrics.CallbackProcessed("not_found")
			s.logger.Warn().
				Str("tenant", db.TenantFromContext(ctx)).
				Str("checkout_request_id", cb.CheckoutRequestID).
				Msg("stk callback for unknown transaction")
		}
		return nil, err
	}

	out := Outcome{ResultCode: cb.ResultCodeString(), ResultDesc: cb.ResultDesc}
	if cb.Succeeded() {
		out.ReceiptNumber, _ = cb.Metadata(mpesa.ItemReceiptNumber)
		if raw, ok := cb.Metadata(mpesa.ItemTransactionDate); ok {
			if t, err := mpesa.ParseCompactTime(raw); err == nil {
				out.TransactionDate = &t
			} else {
				s.logger.Warn().Err(err).Str("checkout_request_id", cb.CheckoutRequestID).Msg("unparseable transaction date")
			}
		}
	}

	updated, err := s.applyOutcome(ctx, txn, out)
	if err != nil {
		s.metrics.CallbackProcessed("error")
		return updated, err
	}
	s.metrics.CallbackProcessed(strings.ToLower(string(updated.Status)))
	return updated, nil
}

// applyOutcome is the only place outcome facts are written.
func (s *Service) applyOutcome(ctx context.Context, txn *Transaction, out Outcome) (*Transaction, error) {
	to := StatusFailed
	if out.Succeeded() {
		to = StatusSuccess
	}

	if txn.Status.Terminal() {
		if txn.Status == to {
			s.logger.Info().Str("checkout_request_id", txn.CheckoutRequestID).Msg("outcome already applied")
			return txn, nil
		}
		s.logger.Warn().
			Str("checkout_request_id", txn.CheckoutRequestID).
			Str("stored_status", string(txn.Status)).
			Str("incoming_status", string(to)).
			Msg("conflicting outcome for terminal transaction ignored")
		return txn, ErrInvalidTransition
	}
	if !CanTransition(txn.Status, to) {
		return txn, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, txn.Status, to)
	}

	updated := *txn
	updated.Status = to
	code, desc := out.ResultCode, out.ResultDesc
	updated.ResultCode = &code
	updated.ResultDesc = &desc
	if to == StatusSuccess {
		if out.ReceiptNumber != "" {
			receipt := out.ReceiptNumber
			updated.MpesaReceiptNumber = &receipt
		}
		date := s.now().In(mpesa.Location)
		if out.TransactionDate != nil {
			date = *out.TransactionDate
		}
		updated.TransactionDate = &date
	}

	if err := s.txns.UpdateOutcome(ctx, &updated); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Another writer got there first; report what is stored now.
			current, gerr := s.txns.GetByCheckoutRequestID(ctx, txn.CheckoutRequestID)
			if gerr != nil {
				return nil, fmt.Errorf("reload transaction after concurrent update: %w", gerr)
			}
			if current.Status == to {
				return current, nil
			}
			return current, err
		}
		return txn, fmt.Errorf("update transaction outcome: %w", err)
	}

	s.logger.Info().
		Str("tenant", db.TenantFromContext(ctx)).
		Str("checkout_request_id", updated.CheckoutRequestID).
		Str("status", string(updated.Status)).
		Str("result_code", code).
		Msg("transaction reconciled")
	return &updated, nil
}

func (s *Service) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	return s.txns.GetByCheckoutRequestID(ctx, checkoutRequestID)
}

// List returns transactions newest first.
func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Transaction, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	f.RelatedEntityType = strings.ToUpper(f.RelatedEntityType)
	return s.txns.List(ctx, f, limit, offset)
}

// QueryStatus asks the gateway for the live state of a known transaction
// and returns its answer untouched. The stored record is not modified.
func (s *Service) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error) {
	if _, err := s.txns.GetByCheckoutRequestID(ctx, checkoutRequestID); err != nil {
		return nil, err
	}
	return s.gateway.STKQuery(ctx, checkoutRequestID)
}

// ReconcileFromQuery polls the gateway and, when it reports a final result,
// applies it through the same transition as a callback. A transaction the
// gateway is still processing is returned unchanged.
func (s *Service) ReconcileFromQuery(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	txn, err := s.txns.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		return txn, nil
	}

	resp, err := s.gateway.STKQuery(ctx, checkoutRequestID)
	if err != nil {
		var ge *mpesa.GatewayError
		if errors.As(err, &ge) && ge.IsPending() {
			return txn, nil
		}
		return nil, err
	}
	if resp.ResultCode == "" {
		return txn, nil
	}

	return s.applyOutcome(ctx, txn, Outcome{
		ResultCode: resp.ResultCode.String(),
		ResultDesc: resp.ResultDesc,
	})
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
