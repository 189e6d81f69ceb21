package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

// DefaultBodyLimit applies when BODY_LIMIT is empty. STK push requests and
// gateway callbacks are well under a kilobyte.
const DefaultBodyLimit = "1M"

// ParseBodyLimit parses a human-readable size such as "64K", "1M" or a bare
// byte count.
func ParseBodyLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultBodyLimit
	}
	n, err := bytes.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid body limit %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("body limit must be positive, got %q", s)
	}
	return n, nil
}

// BodyLimit rejects request bodies larger than limit with 413. An invalid
// limit falls back to DefaultBodyLimit; config validation rejects those
// before the server starts.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes, err := ParseBodyLimit(limit)
	if err != nil {
		maxBytes, _ = ParseBodyLimit(DefaultBodyLimit)
	}
	tooLarge := echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", maxBytes))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge
			}

			// Content-Length may be missing or wrong.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: maxBytes, err: tooLarge}
			return next(c)
		}
	}
}

// limitedReadCloser fails with err once more than remaining bytes are read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	err       error
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, r.err
	}
	// One byte past the limit is enough to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, r.err
	}
	return n, err
}
