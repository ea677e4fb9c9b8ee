// Package validation rejects malformed request input before it reaches the
// escrow and split services.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text dispute and resolution reasons.
const MaxReasonLength = 1000

// Plain decimal notation only: no sign, exponent or bare point.
var amountShape = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// SameAddress compares two addresses case-insensitively. Empty never matches.
func SameAddress(a, b string) bool {
	a, b = normalizeAddress(a), normalizeAddress(b)
	return a != "" && a == b
}

func normalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// CleanText trims s, strips NUL bytes and cuts it to maxLen bytes.
func CleanText(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors; Error reports the first.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check inspects one field and returns nil when it is acceptable.
type Check func() *FieldError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// ValidAddress accepts an empty value; the service decides what is required.
func ValidAddress(field, value string) Check {
	return func() *FieldError {
		if value == "" || IsValidEthAddress(value) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
	}
}

// ValidAmount accepts a positive decimal in the chain-native unit. Precision
// is checked later against the chain's decimals.
func ValidAmount(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !amountShape.MatchString(value) {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if !decimal.RequireFromString(value).IsPositive() {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects a malformed :address path parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
