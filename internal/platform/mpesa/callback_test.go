package mpesa

import (
	"errors"
	"testing"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1500.00},
          {"Name": "MpesaReceiptNumber", "Value": "ABC123"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20240115103000},
          {"Name": "PhoneNumber", "Value": 254722000000}
        ]
      }
    }
  }
}`

func TestParseCallback_Success(t *testing.T) {
	cb, err := ParseCallback([]byte(successCallback))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cb.Succeeded() {
		t.Error("expected success")
	}
	if cb.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Errorf("unexpected checkout id %s", cb.CheckoutRequestID)
	}
	if v, ok := cb.Metadata(ItemReceiptNumber); !ok || v != "ABC123" {
		t.Errorf("expected receipt ABC123, got %q", v)
	}
	if v, ok := cb.Metadata(ItemTransactionDate); !ok || v != "20240115103000" {
		t.Errorf("expected numeric date kept as text, got %q", v)
	}
	if v, _ := cb.Metadata(ItemPhoneNumber); v != "254722000000" {
		t.Errorf("expected phone without exponent, got %q", v)
	}
	if _, ok := cb.Metadata("Balance"); ok {
		t.Error("expected empty Balance to be reported absent")
	}
	if cb.ResultCodeString() != "0" {
		t.Errorf("expected result code text 0, got %s", cb.ResultCodeString())
	}
}

func TestParseCallback_Failure(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	cb, err := ParseCallback([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.Succeeded() {
		t.Error("expected failure")
	}
	if _, ok := cb.Metadata(ItemReceiptNumber); ok {
		t.Error("expected no metadata on failure")
	}
}

func TestParseCallback_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":          `<xml/>`,
		"empty object":      `{}`,
		"missing callback":  `{"Body":{}}`,
		"missing checkout":  `{"Body":{"stkCallback":{"MerchantRequestID":"m","ResultCode":0}}}`,
		"missing merchant":  `{"Body":{"stkCallback":{"CheckoutRequestID":"c","ResultCode":0}}}`,
		"missing code":      `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c"}}}`,
		"string code":       `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":"zero"}}}`,
		"nameless item":     `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":0,"CallbackMetadata":{"Item":[{"Value":1}]}}}}`,
		"object item value": `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"x","Value":{}}]}}}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(body))
			if !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}

func TestCallbackAck(t *testing.T) {
	if a := AcceptCallback("ok"); a.ResultCode != 0 || a.ResultDesc != "ok" {
		t.Errorf("unexpected accept ack %+v", a)
	}
	if a := RejectCallback("bad"); a.ResultCode != 1 {
		t.Errorf("unexpected reject ack %+v", a)
	}
}
