package assessment

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Handler exposes the assessment lifecycle over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts the assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/assessments")
	g.POST("", h.Evaluate)
	g.POST("/pending", h.CreatePending)

	byID := g.Group("/:id", validation.IDParamMiddleware())
	byID.GET("", h.Get)
	byID.POST("/rescore", h.Rescore)
	byID.POST("/outcome", h.RecordOutcome)

	r.GET("/actors/:id/assessments", validation.IDParamMiddleware(), h.ListByActor)
}

type pendingRequest struct {
	ActorID string             `json:"actorId"`
	Context risk.ActionContext `json:"context"`
}

type outcomeRequest struct {
	Executed bool       `json:"executed"`
	PnL      *float64   `json:"pnl"`
	ClosedAt *time.Time `json:"closedAt"`
}

// Evaluate handles POST /v1/assessments
func (h *Handler) Evaluate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("actorId", req.ActorID),
		validation.ValidID("actorId", req.ActorID),
		sampleLimits(req.Signals),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	ctx := logging.WithActorID(c.Request.Context(), req.ActorID)
	out, err := h.service.Evaluate(ctx, req)
	if err != nil {
		h.fail(c, err, "Failed to evaluate trade readiness")
		return
	}
	c.JSON(statusFor(out), gin.H{"assessment": out.Public()})
}

// CreatePending handles POST /v1/assessments/pending
func (h *Handler) CreatePending(c *gin.Context) {
	var req pendingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("actorId", req.ActorID),
		validation.ValidID("actorId", req.ActorID),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	ctx := logging.WithActorID(c.Request.Context(), req.ActorID)
	out, err := h.service.CreatePending(ctx, req.ActorID, req.Context)
	if err != nil {
		h.fail(c, err, "Failed to create assessment")
		return
	}
	c.JSON(statusFor(out), gin.H{"assessment": out.Public()})
}

// Rescore handles POST /v1/assessments/:id/rescore
func (h *Handler) Rescore(c *gin.Context) {
	var u Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(sampleLimits(u.Signals)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	out, err := h.service.Rescore(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		h.fail(c, err, "Failed to rescore assessment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": out.Public()})
}

// Get handles GET /v1/assessments/:id. ?view=full returns the stored
// assessment including signals; pending assessments still carry no score.
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to load assessment")
		return
	}
	if c.Query("view") == "full" {
		c.JSON(http.StatusOK, gin.H{"assessment": a.Full()})
		return
	}
	out := &Outcome{Assessment: a}
	c.JSON(http.StatusOK, gin.H{"assessment": out.Public()})
}

// RecordOutcome handles POST /v1/assessments/:id/outcome
func (h *Handler) RecordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t := Trade{Executed: req.Executed, PnL: req.PnL}
	if req.ClosedAt != nil {
		t.ClosedAt = *req.ClosedAt
	}
	a, err := h.service.RecordOutcome(c.Request.Context(), c.Param("id"), t)
	if err != nil {
		h.fail(c, err, "Failed to record trade outcome")
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessmentId": a.ID, "trade": a.Trade})
}

// ListByActor handles GET /v1/actors/:id/assessments
func (h *Handler) ListByActor(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), DefaultListLimit, MaxListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	page, err := h.service.List(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err, "Failed to list assessments")
		return
	}
	views := make([]PublicOutcome, len(page.Items))
	for i, a := range page.Items {
		views[i] = (&Outcome{Assessment: a}).Public()
	}
	c.JSON(http.StatusOK, gin.H{
		"assessments": views,
		"nextCursor":  page.NextCursor,
		"hasMore":     page.HasMore(),
	})
}

func (h *Handler) fail(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Assessment not found",
		})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error(message, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": message,
		})
	}
}

// statusFor is 201 for a new assessment and 200 when an existing cooldown
// answered the request.
func statusFor(out *Outcome) int {
	if out.ShortCircuited {
		return http.StatusOK
	}
	return http.StatusCreated
}

func sampleLimits(s signals.Signals) validation.Check {
	return func() *validation.FieldError {
		for _, c := range []validation.Check{
			validation.MaxItems("signals.cognitiveTrials", len(s.CognitiveTrials), validation.MaxSamples),
			validation.MaxItems("signals.pointerMovements", len(s.PointerMovements), validation.MaxSamples),
			validation.MaxItems("signals.keystrokeIntervals", len(s.KeystrokeIntervals), validation.MaxSamples),
		} {
			if fe := c(); fe != nil {
				return fe
			}
		}
		return nil
	}
}
