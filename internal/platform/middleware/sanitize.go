package middleware

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/platform/apperr"
)

const (
	maxHeaderValueSize = 8192
	maxMessageRunes    = 200
)

var (
	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

	// key=value, key: value and "key":"value" forms of sensitive fields.
	secretPairs = regexp.MustCompile(`(?i)("?(?:password|passwd|token|secret|authorization)"?\s*[:=]\s*)("[^"]*"|\S+)`)
	secretWords = regexp.MustCompile(`(?i)\b(password|token|secret)\b`)
	bearerToken = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script payloads in query parameters.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return rejected(logger, c, "path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return rejected(logger, c, "null byte detected in path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return rejected(logger, c, "header value too large: "+name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return rejected(logger, c, "header injection detected: "+name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if containsNullByte(v) || containsNullByte(key) {
						return rejected(logger, c, "null byte detected in query parameter")
					}
					if scriptPatterns.MatchString(v) || scriptPatterns.MatchString(key) {
						return rejected(logger, c, "script content detected in query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

func rejected(logger zerolog.Logger, c echo.Context, reason string) error {
	logger.Warn().
		Str("path", SanitizeMessage(c.Request().URL.Path)).
		Str("remote_ip", c.RealIP()).
		Str("reason", reason).
		Msg("request rejected by sanitizer")
	return apperr.Validation(apperr.CodeParam, "request rejected", reason)
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

// SanitizeString strips null bytes and control characters other than
// newline, carriage return and tab, then trims surrounding whitespace.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// SanitizeMessage makes an error message safe to echo to a client: line
// breaks are removed, credentials are redacted and the text is truncated.
func SanitizeMessage(msg string) string {
	msg = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(msg)
	msg = SanitizeString(msg)
	msg = bearerToken.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = secretPairs.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = secretWords.ReplaceAllString(msg, "[REDACTED]")

	if r := []rune(msg); len(r) > maxMessageRunes {
		msg = string(r[:maxMessageRunes]) + "..."
	}
	return msg
}
