package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDaraja is a scripted stand-in for the three gateway endpoints.
type fakeDaraja struct {
	tokenStatus int
	pushStatus  int
	pushBody    string
	queryStatus int
	queryBody   string

	tokenCalls int32
	lastPush   map[string]interface{}
	lastQuery  map[string]interface{}
	lastAuth   string
}

func (f *fakeDaraja) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		if r.Method != http.MethodGet {
			t.Errorf("token: expected GET, got %s", r.Method)
		}
		if r.URL.Query().Get("grant_type") != "client_credentials" {
			t.Errorf("token: missing grant_type")
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("token: unexpected basic auth %q/%q", user, pass)
		}
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok-123","expires_in":"3599"}`)
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&f.lastPush)
		status := f.pushStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		io.WriteString(w, f.pushBody)
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&f.lastQuery)
		status := f.queryStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		io.WriteString(w, f.queryBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

var fixedNow = time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "pass",
		ShortCode:      "174379",
		CallbackURL:    "https://clinic.example/api/v1/payments/mpesa/callback",
		BaseURL:        srv.URL,
	}, WithClock(func() time.Time { return fixedNow }))
}

const acceptedPush = `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`

func TestConfig_ResolvedBaseURL(t *testing.T) {
	if got := (Config{}).ResolvedBaseURL(); got != sandboxBaseURL {
		t.Errorf("expected sandbox default, got %s", got)
	}
	if got := (Config{Environment: EnvironmentProduction}).ResolvedBaseURL(); got != productionBaseURL {
		t.Errorf("expected production host, got %s", got)
	}
	if got := (Config{Environment: EnvironmentProduction, BaseURL: "http://x/"}).ResolvedBaseURL(); got != "http://x" {
		t.Errorf("expected override, got %s", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{ConsumerKey: "k", ConsumerSecret: "s", Passkey: "p", ShortCode: "1", CallbackURL: "https://x"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Environment = "staging"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown environment")
	}
	cfg.Environment = ""
	cfg.Passkey = " "
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for blank passkey")
	}
}

func TestClient_AccessToken(t *testing.T) {
	f := &fakeDaraja{}
	c := newTestClient(f.server(t))

	tok, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "tok-123" {
		t.Errorf("expected tok-123, got %s", tok)
	}
}

func TestClient_AccessToken_Failure(t *testing.T) {
	f := &fakeDaraja{tokenStatus: http.StatusBadRequest}
	c := newTestClient(f.server(t))

	_, err := c.AccessToken(context.Background())
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected ErrTokenUnavailable, got %v", err)
	}
}

func TestClient_AccessToken_NetworkFailure(t *testing.T) {
	f := &fakeDaraja{}
	srv := f.server(t)
	c := newTestClient(srv)
	srv.Close()

	_, err := c.AccessToken(context.Background())
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected ErrTokenUnavailable, got %v", err)
	}
}

func TestClient_STKPush(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush}
	c := newTestClient(f.server(t))

	resp, err := c.STKPush(context.Background(), PushRequest{
		PhoneNumber:      "0722000000",
		Amount:           1500,
		AccountReference: "APT-42",
		TransactionDesc:  "Consultation",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_191220191020363925" || resp.MerchantRequestID != "29115-34620561-1" {
		t.Errorf("unexpected ids: %+v", resp)
	}
	if f.lastAuth != "Bearer tok-123" {
		t.Errorf("expected bearer auth, got %q", f.lastAuth)
	}

	want := map[string]interface{}{
		"BusinessShortCode": "174379",
		"Password":          Password("174379", "pass", "20240115103000"),
		"Timestamp":         "20240115103000",
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            float64(1500),
		"PartyA":            "254722000000",
		"PartyB":            "174379",
		"PhoneNumber":       "254722000000",
		"CallBackURL":       "https://clinic.example/api/v1/payments/mpesa/callback",
		"AccountReference":  "APT-42",
		"TransactionDesc":   "Consultation",
	}
	for k, v := range want {
		if f.lastPush[k] != v {
			t.Errorf("push field %s = %v, want %v", k, f.lastPush[k], v)
		}
	}
	if len(f.lastPush) != len(want) {
		t.Errorf("expected %d fields, got %d: %v", len(want), len(f.lastPush), f.lastPush)
	}
}

func TestClient_STKPush_CallbackOverride(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush}
	c := newTestClient(f.server(t))

	_, err := c.STKPush(context.Background(), PushRequest{
		PhoneNumber: "0722000000", Amount: 1, AccountReference: "A",
		CallbackURL: "https://other.example/cb?tenant_id=acme",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.lastPush["CallBackURL"] != "https://other.example/cb?tenant_id=acme" {
		t.Errorf("expected override callback, got %v", f.lastPush["CallBackURL"])
	}
}

func TestClient_STKPush_FetchesTokenEveryCall(t *testing.T) {
	f := &fakeDaraja{pushBody: acceptedPush}
	c := newTestClient(f.server(t))

	for i := 0; i < 3; i++ {
		if _, err := c.STKPush(context.Background(), PushRequest{PhoneNumber: "0722000000", Amount: 1, AccountReference: "A"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := atomic.LoadInt32(&f.tokenCalls); n != 3 {
		t.Errorf("expected 3 token requests, got %d", n)
	}
}

func TestClient_STKPush_ValidationError(t *testing.T) {
	f := &fakeDaraja{
		pushStatus: http.StatusBadRequest,
		pushBody:   `{"requestId":"1-2","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`,
	}
	c := newTestClient(f.server(t))

	_, err := c.STKPush(context.Background(), PushRequest{PhoneNumber: "0722000000", Amount: 1, AccountReference: "A"})
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if !ge.IsValidation() {
		t.Error("expected validation error")
	}
	if ge.Message != "Bad Request - Invalid Amount" || ge.Code != "400.002.02" {
		t.Errorf("unexpected gateway error %+v", ge)
	}
	if errors.Is(err, ErrGatewayUnavailable) {
		t.Error("validation error should not match ErrGatewayUnavailable")
	}
}

func TestClient_STKPush_NonZeroResponseCode(t *testing.T) {
	f := &fakeDaraja{pushBody: `{"ResponseCode":"1","ResponseDescription":"Rejected"}`}
	c := newTestClient(f.server(t))

	_, err := c.STKPush(context.Background(), PushRequest{PhoneNumber: "0722000000", Amount: 1, AccountReference: "A"})
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if ge.Message != "Rejected" {
		t.Errorf("expected gateway description to be forwarded, got %q", ge.Message)
	}
}

func TestClient_STKPush_ServerError(t *testing.T) {
	f := &fakeDaraja{pushStatus: http.StatusInternalServerError, pushBody: `not json`}
	c := newTestClient(f.server(t))

	_, err := c.STKPush(context.Background(), PushRequest{PhoneNumber: "0722000000", Amount: 1, AccountReference: "A"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Message != genericGatewayMessage {
		t.Errorf("expected generic message, got %q", ge.Message)
	}
}

func TestClient_STKPush_TokenFailureSkipsPush(t *testing.T) {
	f := &fakeDaraja{tokenStatus: http.StatusUnauthorized, pushBody: acceptedPush}
	c := newTestClient(f.server(t))

	_, err := c.STKPush(context.Background(), PushRequest{PhoneNumber: "0722000000", Amount: 1, AccountReference: "A"})
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("expected ErrTokenUnavailable, got %v", err)
	}
	if f.lastPush != nil {
		t.Error("push endpoint should not be called without a token")
	}
}

func TestClient_STKQuery(t *testing.T) {
	f := &fakeDaraja{queryBody: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully","MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`}
	c := newTestClient(f.server(t))

	resp, err := c.STKQuery(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ResultCode != "1032" || resp.ResultDesc != "Request cancelled by user" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.Raw) == 0 {
		t.Error("expected raw body to be kept")
	}
	if f.lastQuery["CheckoutRequestID"] != "ws_CO_1" || f.lastQuery["Timestamp"] != "20240115103000" {
		t.Errorf("unexpected query body %v", f.lastQuery)
	}
	if f.lastQuery["Password"] != Password("174379", "pass", "20240115103000") {
		t.Error("query password does not match timestamp")
	}
}

func TestClient_STKQuery_NumericResultCode(t *testing.T) {
	f := &fakeDaraja{queryBody: `{"ResponseCode":0,"ResultCode":0,"ResultDesc":"The service request is processed successfully."}`}
	c := newTestClient(f.server(t))

	resp, err := c.STKQuery(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ResultCode != "0" {
		t.Errorf("expected ResultCode 0, got %q", resp.ResultCode)
	}
}

func TestClient_STKQuery_StillProcessing(t *testing.T) {
	f := &fakeDaraja{
		queryStatus: http.StatusInternalServerError,
		queryBody:   `{"requestId":"r","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
	}
	c := newTestClient(f.server(t))

	_, err := c.STKQuery(context.Background(), "ws_CO_1")
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if !ge.IsPending() {
		t.Error("expected pending error")
	}
}
