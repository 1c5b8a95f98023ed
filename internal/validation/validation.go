// Package validation provides input validation middleware for the cavern API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxGamePayloadSize bounds the opaque game payload carried on bets (64KB)
const MaxGamePayloadSize = 64 << 10

var (
	// agentCodeRegex validates external agent identifiers
	agentCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,64}$`)
	// currencyRegex validates ISO-style currency codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// txIDRegex validates platform transaction identifiers
	txIDRegex = regexp.MustCompile(`^[a-zA-Z0-9:._-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAgentCode checks if a string is a well-formed agent identifier
func IsValidAgentCode(code string) bool {
	return agentCodeRegex.MatchString(code)
}

// IsValidCurrency checks if a string is a three-letter currency code
func IsValidCurrency(cur string) bool {
	return currencyRegex.MatchString(cur)
}

// IsValidPlatformTxID checks if a string is a well-formed platform transaction id
func IsValidPlatformTxID(id string) bool {
	return txIDRegex.MatchString(id)
}

// IsValidCallbackURL checks that a callback URL is absolute http(s) with a host
func IsValidCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAgentCode checks if a field is a well-formed agent identifier
func ValidAgentCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAgentCode(value) {
			return &ValidationError{Field: field, Message: "must be 2-64 chars of [a-zA-Z0-9_-]"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is a three-letter currency code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// ValidPlatformTxID checks if a field is a well-formed platform transaction id
func ValidPlatformTxID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPlatformTxID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 chars of [a-zA-Z0-9:._-]"}
		}
		return nil
	}
}

// ValidCallbackURL checks if a field is an absolute http(s) URL
func ValidCallbackURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCallbackURL(value) {
			return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that a monetary amount is strictly greater than zero
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeAmount checks that a monetary amount is zero or greater
// (win amounts on lost bets settle at zero)
func NonNegativeAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if value.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// CodeParamMiddleware validates the :code URL parameter on routes that use it.
// Apply to route groups that include :code params to reject malformed agent
// identifiers early.
func CodeParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")
		if code != "" && !IsValidAgentCode(code) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_agent_code",
				"message": "agent code must be 2-64 chars of [a-zA-Z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
