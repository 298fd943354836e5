package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("trader-1"))
	assert.True(t, IsValidID("asm_0a1b2c"))
	assert.True(t, IsValidID("alice@desk.example"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("-leading"))
	assert.False(t, IsValidID("has space"))
	assert.False(t, IsValidID(strings.Repeat("a", 129)))
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "trader", SanitizeID("  tra\x00der \n"))
}

func TestValidate(t *testing.T) {
	neg := -1.0
	errs := Validate(
		Required("actorId", ""),
		ValidID("actorId", "bad id"),
		MaxItems("pointerMovements", 6000, MaxSamples),
		NonNegative("clickLatencyMs", &neg),
		NonNegative("leverage", nil),
	)
	require.Len(t, errs, 4)
	assert.Equal(t, "actorId: is required", errs.Error())
	assert.Equal(t, "validation failed", Errors(nil).Error())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/a/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/asm_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
