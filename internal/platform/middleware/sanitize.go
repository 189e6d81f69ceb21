package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxHeaderValueSize is the maximum allowed size for any single header value.
const maxHeaderValueSize = 8 << 10

var (
	// Logged only; every query the server runs is parameterized.
	sqlPattern    = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// inspection is the verdict on one request. Reject is empty when the
// request may proceed; Suspicious lists query keys worth a warning.
type inspection struct {
	Reject     string
	Suspicious []string
}

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script payloads with 400. Query values that look like SQL
// injection are logged and allowed through.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := inspect(req)
			for _, key := range res.Suspicious {
				logger.Warn().
					Str("param", key).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("potential SQL injection pattern detected in query parameter")
			}
			if res.Reject != "" {
				rid, _ := c.Get("request_id").(string)
				logger.Warn().
					Str("request_id", rid).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Str("reason", res.Reject).
					Msg("request rejected")
				return echo.NewHTTPError(http.StatusBadRequest, res.Reject)
			}
			return next(c)
		}
	}
}

func inspect(req *http.Request) inspection {
	var res inspection

	paths := []string{req.URL.Path}
	if req.URL.RawPath != "" {
		paths = append(paths, req.URL.RawPath)
	}
	for _, p := range paths {
		if hasPathTraversal(p) {
			res.Reject = "Path traversal detected"
			return res
		}
		if hasNullByte(p) {
			res.Reject = "Null byte injection detected"
			return res
		}
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				res.Reject = "Header value exceeds maximum size: " + name
				return res
			}
			if strings.ContainsAny(v, "\r\n") {
				res.Reject = "Header injection detected: " + name
				return res
			}
		}
	}

	for key, values := range req.URL.Query() {
		for _, v := range values {
			switch {
			case hasNullByte(key) || hasNullByte(v):
				res.Reject = "Null byte injection detected in query parameter"
				return res
			case scriptPattern.MatchString(key) || scriptPattern.MatchString(v):
				res.Reject = "Script injection detected in query parameter"
				return res
			case sqlPattern.MatchString(v):
				res.Suspicious = append(res.Suspicious, key)
			}
		}
	}
	return res
}

// hasPathTraversal matches ".." in raw, percent-encoded and double-encoded
// forms.
func hasPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "..") ||
		strings.Contains(lower, "%2e%2e") ||
		strings.Contains(lower, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
