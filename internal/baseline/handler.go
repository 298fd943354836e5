package baseline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Handler exposes calibration and learner endpoints.
type Handler struct {
	learner *Learner
}

func NewHandler(ln *Learner) *Handler {
	return &Handler{learner: ln}
}

// RegisterRoutes mounts the baseline routes under /actors/:id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/actors/:id", validation.IDParamMiddleware())
	g.GET("/baseline", h.GetBaseline)
	g.POST("/baseline/calibrate", h.Calibrate)
	g.POST("/baseline/optimize", h.Optimize)
}

// GetBaseline handles GET /v1/actors/:id/baseline
func (h *Handler) GetBaseline(c *gin.Context) {
	b, err := h.learner.Baseline(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No baseline for this actor; run a calibration first",
			})
			return
		}
		logging.L(c.Request.Context()).Error("get baseline failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load baseline",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": b})
}

// Calibrate handles POST /v1/actors/:id/baseline/calibrate
func (h *Handler) Calibrate(c *gin.Context) {
	var s Session
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxItems("cognitiveTrials", len(s.CognitiveTrials), validation.MaxSamples),
		validation.MaxItems("pointerMovements", len(s.PointerMovements), validation.MaxSamples),
		validation.MaxItems("keystrokeIntervals", len(s.KeystrokeIntervals), validation.MaxSamples),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	b, err := h.learner.Calibrate(c.Request.Context(), c.Param("id"), s)
	if err != nil {
		if errors.Is(err, ErrInsufficientCalibration) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_calibration",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("calibration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save calibration",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": b})
}

// Optimize handles POST /v1/actors/:id/baseline/optimize. With ?apply=true
// the learner persists the update when it clears the apply bar.
func (h *Handler) Optimize(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("id")

	var (
		o   Optimization
		err error
	)
	if c.Query("apply") == "true" {
		o, err = h.learner.Run(ctx, actorID)
	} else {
		o, err = h.learner.Optimize(ctx, actorID)
	}
	if err != nil {
		logging.L(ctx).Error("baseline optimize failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute recommendation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"optimization": o})
}
