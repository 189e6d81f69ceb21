// Package mpesa is a client for the Safaricom Daraja STK Push API: OAuth
// token generation, STK push initiation, STK push status query and the
// asynchronous result callback envelope.
package mpesa

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	// TransactionTypePayBill is the only STK push transaction type this
	// client issues.
	TransactionTypePayBill = "CustomerPayBillOnline"

	DefaultTimeout = 30 * time.Second
)

// Config carries the gateway credentials. It is built once at startup and
// injected into NewClient.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	ShortCode      string
	CallbackURL    string
	Environment    string

	// BaseURL overrides the environment host. Tests point it at an
	// httptest server.
	BaseURL string
	Timeout time.Duration
}

// ResolvedBaseURL returns the gateway host for the configured environment.
func (c Config) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == EnvironmentProduction {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// Validate reports the first missing credential.
func (c Config) Validate() error {
	required := []struct {
		name, value string
	}{
		{"consumer key", c.ConsumerKey},
		{"consumer secret", c.ConsumerSecret},
		{"passkey", c.Passkey},
		{"shortcode", c.ShortCode},
		{"callback url", c.CallbackURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("mpesa: %s is required", r.name)
		}
	}
	switch c.Environment {
	case "", EnvironmentSandbox, EnvironmentProduction:
	default:
		return fmt.Errorf("mpesa: environment must be %q or %q, got %q",
			EnvironmentSandbox, EnvironmentProduction, c.Environment)
	}
	return nil
}
