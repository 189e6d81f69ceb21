package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedCallback is returned by ParseCallback for any payload that is
// not a well-formed STK callback envelope.
var ErrMalformedCallback = errors.New("mpesa: malformed callback payload")

// ResultCodeSuccess is the gateway's success sentinel.
const ResultCodeSuccess = 0

// Metadata item names carried on a successful callback.
const (
	ItemReceiptNumber   = "MpesaReceiptNumber"
	ItemTransactionDate = "TransactionDate"
	ItemAmount          = "Amount"
	ItemPhoneNumber     = "PhoneNumber"
)

// CallbackEnvelope is the outer wrapper the gateway POSTs to the callback
// URL: {"Body":{"stkCallback":{...}}}.
type CallbackEnvelope struct {
	Body *CallbackBody `json:"Body" validate:"required"`
}

type CallbackBody struct {
	STKCallback *STKCallback `json:"stkCallback" validate:"required"`
}

// STKCallback carries the final outcome of one push.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID" validate:"required"`
	CheckoutRequestID string            `json:"CheckoutRequestID" validate:"required"`
	ResultCode        *int              `json:"ResultCode" validate:"required"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item" validate:"dive"`
}

type MetadataItem struct {
	Name  string     `json:"Name" validate:"required"`
	Value FlexString `json:"Value"`
}

var callbackValidator = validator.New()

// ParseCallback decodes and validates a callback body. It fails closed:
// unknown shapes, missing ids or a missing result code are rejected.
func ParseCallback(body []byte) (*STKCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if err := callbackValidator.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedCallback, describeValidation(err))
	}
	return env.Body.STKCallback, nil
}

// Succeeded reports whether the result code is the success sentinel.
func (cb *STKCallback) Succeeded() bool {
	return cb.ResultCode != nil && *cb.ResultCode == ResultCodeSuccess
}

// ResultCodeString returns the result code as stored text.
func (cb *STKCallback) ResultCodeString() string {
	if cb.ResultCode == nil {
		return ""
	}
	return strconv.Itoa(*cb.ResultCode)
}

// Metadata returns the value of the named metadata item.
func (cb *STKCallback) Metadata(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == name {
			v := item.Value.String()
			return v, v != ""
		}
	}
	return "", false
}

// CallbackAck is the body the callback endpoint must answer with. A
// ResultCode of 0 tells the gateway the notification was accepted.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func AcceptCallback(desc string) CallbackAck { return CallbackAck{ResultCode: 0, ResultDesc: desc} }

func RejectCallback(desc string) CallbackAck { return CallbackAck{ResultCode: 1, ResultDesc: desc} }

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
