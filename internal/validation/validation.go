// Package validation checks request fields at the HTTP edge.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxSamples bounds any single signal array in a request.
const MaxSamples = 5000

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is usable as an actor or assessment ID.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeID trims whitespace and strips null bytes.
func SanitizeID(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// FieldError is one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check is one deferred validation.
type Check func() *FieldError

// Validate runs checks and returns the failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, c := range checks {
		if err := c(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID accepts an empty value; pair it with Required when needed.
func ValidID(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "must be 1-128 letters, digits or _.:@-"}
		}
		return nil
	}
}

// MaxItems bounds the length of a sample array.
func MaxItems(field string, n, max int) Check {
	return func() *FieldError {
		if n > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("has %d items, max %d", n, max)}
		}
		return nil
	}
}

// NonNegative rejects a negative value. Nil passes.
func NonNegative(field string, v *float64) Check {
	return func() *FieldError {
		if v != nil && *v < 0 {
			return &FieldError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :id path parameters.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-128 letters, digits or _.:@-",
			})
			return
		}
		c.Next()
	}
}

// Abort writes a 400 validation response.
func Abort(c *gin.Context, errs Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}
