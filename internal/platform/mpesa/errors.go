package mpesa

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

var (
	// ErrTokenUnavailable is returned when the OAuth endpoint cannot issue
	// an access token (bad credentials, network failure, non-2xx).
	ErrTokenUnavailable = errors.New("mpesa: failed to obtain access token")

	// ErrGatewayUnavailable covers transport failures and gateway-side
	// errors that are not the caller's fault.
	ErrGatewayUnavailable = errors.New("mpesa: gateway unavailable")
)

// processingErrorCode is what the query endpoint answers while the payer
// has not yet acted on the prompt.
const processingErrorCode = "500.001.1001"

// GatewayError is a request the gateway answered but refused. Message is
// the gateway's own description, suitable for forwarding to the caller.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa: gateway rejected request (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa: gateway rejected request (status %d): %s", e.StatusCode, e.Message)
}

// IsValidation reports whether the gateway rejected the request content
// (amount, phone, reference) rather than failing on its side or on auth.
func (e *GatewayError) IsValidation() bool {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return false
	}
	if e.StatusCode == http.StatusOK {
		// 200 with a non-zero ResponseCode.
		return true
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPending reports whether the error is the query endpoint's "still
// being processed" answer.
func (e *GatewayError) IsPending() bool {
	return e.Code == processingErrorCode
}

// Unwrap lets errors.Is(err, ErrGatewayUnavailable) match non-validation
// failures.
func (e *GatewayError) Unwrap() error {
	if e.IsValidation() {
		return nil
	}
	return ErrGatewayUnavailable
}

const genericGatewayMessage = "payment request was rejected by the gateway"

// newGatewayError pulls the most specific description out of a Daraja
// error body. Daraja uses errorCode/errorMessage for fault responses and
// ResponseCode/ResponseDescription for business rejections.
func newGatewayError(status int, body []byte) *GatewayError {
	ge := &GatewayError{StatusCode: status, Message: genericGatewayMessage}
	if !gjson.ValidBytes(body) {
		return ge
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("errorCode"); code.Exists() {
		ge.Code = code.String()
	} else if code := res.Get("ResponseCode"); code.Exists() {
		ge.Code = code.String()
	}
	for _, path := range []string{"errorMessage", "ResponseDescription", "CustomerMessage"} {
		if msg := res.Get(path).String(); msg != "" {
			ge.Message = msg
			break
		}
	}
	return ge
}
