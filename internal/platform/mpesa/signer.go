package mpesa

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CompactTimeLayout is the gateway's YYYYMMDDHHmmss timestamp format.
const CompactTimeLayout = "20060102150405"

// Location is the gateway's wall clock (East Africa Time, no DST).
var Location = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t in the gateway's compact layout and zone. The value
// must be used both in Password and in the request body.
func Timestamp(t time.Time) string {
	return FormatCompactTime(t)
}

// Password returns base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// FormatCompactTime renders t as YYYYMMDDHHmmss in Location.
func FormatCompactTime(t time.Time) string {
	return t.In(Location).Format(CompactTimeLayout)
}

// ParseCompactTime parses a YYYYMMDDHHmmss value in Location.
func ParseCompactTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != len(CompactTimeLayout) {
		return time.Time{}, fmt.Errorf("mpesa: compact time %q must have %d digits", s, len(CompactTimeLayout))
	}
	t, err := time.ParseInLocation(CompactTimeLayout, s, Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("mpesa: parse compact time %q: %w", s, err)
	}
	return t, nil
}

const countryCode = "254"

// NormalizePhone converts a Kenyan phone number to the 254XXXXXXXXX MSISDN
// form the gateway expects. Whitespace is removed, a leading 0 becomes
// 254, a leading +254 loses the +, a leading 254 is kept, and anything
// else is prefixed with 254. The last branch can yield an invalid MSISDN
// for malformed input; use LooksLikeMSISDN to check the result.
func NormalizePhone(raw string) string {
	s := strings.Join(strings.Fields(raw), "")
	switch {
	case strings.HasPrefix(s, "0"):
		return countryCode + s[1:]
	case strings.HasPrefix(s, "+"+countryCode):
		return s[1:]
	case strings.HasPrefix(s, countryCode):
		return s
	default:
		return countryCode + s
	}
}

var msisdnPattern = regexp.MustCompile(`^254\d{9}$`)

// LooksLikeMSISDN reports whether s is a 12-digit 254-prefixed number.
func LooksLikeMSISDN(s string) bool {
	return msisdnPattern.MatchString(s)
}
