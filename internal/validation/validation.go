// Package validation provides address normalization and request validation
// shared by the scoring core and the HTTP layer.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size. A full batch of
// addresses is roughly 4.5MB of JSON.
const MaxRequestSize = 8 << 20

// MaxNameLength bounds free-text fields such as API key names
const MaxNameLength = 200

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeAddress trims whitespace and lower-cases an address.
// It does not validate.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsAddress reports whether addr is a 0x-prefixed 40 hex character address.
// Mixed case is accepted; callers normalize before lookups.
func IsAddress(addr string) bool {
	return len(addr) == 42 && strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// ChecksumAddress renders an address in EIP-55 form for display
func ChecksumAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// SanitizeString removes null bytes, trims and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
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
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks that a field holds a well-formed address after normalization
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsAddress(NormalizeAddress(value)) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidAddresses checks every element of an address list and reports the
// offending indices.
func ValidAddresses(field string, values []string) func() *ValidationError {
	return func() *ValidationError {
		var bad []string
		for i, v := range values {
			if !IsAddress(NormalizeAddress(v)) {
				bad = append(bad, fmt.Sprintf("%d", i))
				if len(bad) == 5 {
					bad = append(bad, "...")
					break
				}
			}
		}
		if len(bad) > 0 {
			return &ValidationError{Field: field, Message: "invalid addresses at index " + strings.Join(bad, ", ")}
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
