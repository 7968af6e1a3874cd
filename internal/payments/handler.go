package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/internal/middleware"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/providers"
	"github.com/aura-learn/backend/pkg/response"
)

// maxCallbackBody bounds webhook and finalize bodies.
const maxCallbackBody = 1 << 20

// Engine is the part of Service the HTTP layer drives.
type Engine interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	HandleCallback(ctx context.Context, provider string, cb providers.Callback, userID *uuid.UUID) (*Outcome, error)
	ReconcileRecent(ctx context.Context, userID *uuid.UUID) ([]Outcome, error)
	GetStatus(ctx context.Context, id, userID uuid.UUID) (*models.PaymentIntent, error)
	ExpireStale(ctx context.Context) (int, error)
}

// InitiateBody is the body for POST /payments/initiate.
type InitiateBody struct {
	CourseID string             `json:"course_id" binding:"required,uuid"`
	Provider string             `json:"provider" binding:"required"`
	Method   string             `json:"method" binding:"required"`
	Amount   *decimal.Decimal   `json:"amount"`   // optional; must match the course price
	Currency string             `json:"currency"` // optional; must match the course currency
	Customer providers.Customer `json:"customer"`
}

// ReconcileBody is the optional body for POST /payments/reconcile.
type ReconcileBody struct {
	UserID string `json:"user_id"` // admin only
	All    bool   `json:"all"`     // admin only; every user's intents
}

// Handler handles payment HTTP endpoints.
type Handler struct {
	engine      Engine
	frontendURL string
	logger      *zap.Logger
}

// NewHandler creates a payment handler. frontendURL is where browser
// redirects land after a provider return.
func NewHandler(engine Engine, frontendURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, frontendURL: strings.TrimRight(frontendURL, "/"), logger: logger}
}

// Register mounts the payment routes.
func (h *Handler) Register(router gin.IRouter, jwtService *auth.JWTService) {
	router.GET("/payments/:provider/return", middleware.OptionalJWT(jwtService), h.Return)
	router.POST("/webhooks/:provider", h.Webhook)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/payments/initiate", h.Initiate)
		api.POST("/payments/reconcile", h.Reconcile)
		api.POST("/payments/:provider/finalize", h.Finalize)
		api.GET("/payments/:provider", h.GetStatus)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.JWT(jwtService), middleware.RequireRole(models.RoleAdmin))
	{
		admin.POST("/payments/expire", h.Expire)
	}
}

// Initiate handles POST /payments/initiate.
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	courseID, _ := uuid.Parse(req.CourseID)

	res, err := h.engine.Initiate(c.Request.Context(), InitiateRequest{
		UserID:   userID,
		CourseID: courseID,
		Method:   models.PaymentMethod(req.Method),
		Provider: strings.ToLower(req.Provider),
		Customer: req.Customer,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, res)
}

// Finalize handles POST /payments/:provider/finalize, sent by the frontend
// once an embedded widget reports completion.
func (h *Handler) Finalize(c *gin.Context) {
	cb, ok := h.readCallback(c, providers.SourceFinalize)
	if !ok {
		return
	}
	out, err := h.engine.HandleCallback(c.Request.Context(), c.Param("provider"), cb, middleware.UserID(c))
	switch {
	case err == nil, out != nil:
		h.logCallbackErr(c, err)
		response.OK(c, out)
	case errors.Is(err, models.ErrInvalidSignature):
		response.Forbidden(c, "payment belongs to another user")
	case errors.Is(err, ErrBadCallback):
		h.logCallbackErr(c, err)
		response.OK(c, &Outcome{Result: ResultFailure})
	default:
		h.fail(c, err)
	}
}

// Return handles GET /payments/:provider/return, where providers send the
// customer's browser. It always redirects to the frontend result page.
func (h *Handler) Return(c *gin.Context) {
	cb := providers.Callback{
		Source:  providers.SourceRedirect,
		Query:   c.Request.URL.Query(),
		Headers: c.Request.Header.Clone(),
	}
	result := ResultPending
	q := url.Values{}

	out, err := h.engine.HandleCallback(c.Request.Context(), c.Param("provider"), cb, middleware.UserID(c))
	h.logCallbackErr(c, err)
	if out != nil {
		result = out.Result
		if out.IntentID != nil {
			q.Set("intent_id", out.IntentID.String())
		}
	} else if errors.Is(err, ErrBadCallback) {
		result = ResultFailure
	}
	q.Set("status", string(result))
	q.Set("provider", c.Param("provider"))
	c.Redirect(http.StatusFound, h.frontendURL+"/payments/result?"+q.Encode())
}

// Webhook handles POST /webhooks/:provider. Once a notification parses it is
// acknowledged with 200 whatever the payment outcome, so providers stop
// retrying; only unreadable or unsigned notifications and internal failures
// are refused.
func (h *Handler) Webhook(c *gin.Context) {
	cb, ok := h.readCallback(c, providers.SourceWebhook)
	if !ok {
		return
	}
	out, err := h.engine.HandleCallback(c.Request.Context(), c.Param("provider"), cb, nil)
	switch {
	case err == nil, out != nil:
		h.logCallbackErr(c, err)
		response.OK(c, out)
	case errors.Is(err, models.ErrUnsupported):
		response.OK(c, gin.H{"ignored": true})
	case errors.Is(err, models.ErrInvalidSignature):
		h.logCallbackErr(c, err)
		response.Unauthorized(c, "invalid signature")
	case errors.Is(err, ErrBadCallback):
		h.logCallbackErr(c, err)
		response.BadRequest(c, "unreadable notification")
	default:
		h.fail(c, err)
	}
}

// Reconcile handles POST /payments/reconcile. Learners reconcile their own
// intents; admins may name a user or sweep everyone.
func (h *Handler) Reconcile(c *gin.Context) {
	var body ReconcileBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	scope := middleware.UserID(c)
	if middleware.Role(c) == models.RoleAdmin {
		switch {
		case body.All:
			scope = nil
		case body.UserID != "":
			id, err := uuid.Parse(body.UserID)
			if err != nil {
				response.BadRequest(c, "invalid user_id")
				return
			}
			scope = &id
		}
	} else if body.All || body.UserID != "" {
		response.Forbidden(c, "insufficient permissions")
		return
	}

	outcomes, err := h.engine.ReconcileRecent(c.Request.Context(), scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"outcomes": outcomes})
}

// Expire handles POST /admin/payments/expire.
func (h *Handler) Expire(c *gin.Context) {
	n, err := h.engine.ExpireStale(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"expired": n})
}

// GetStatus handles GET /payments/:id. The route shares its position with the
// provider callbacks, so the parameter is named provider.
func (h *Handler) GetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("provider"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	in, err := h.engine.GetStatus(c.Request.Context(), id, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, in)
}

// Health handles GET /health.
func Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

func (h *Handler) readCallback(c *gin.Context, source providers.CallbackSource) (providers.Callback, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return providers.Callback{}, false
	}
	return providers.Callback{
		Source:  source,
		Query:   c.Request.URL.Query(),
		Headers: c.Request.Header.Clone(),
		Body:    body,
	}, true
}

func (h *Handler) logCallbackErr(c *gin.Context, err error) {
	if err == nil {
		return
	}
	h.logger.Warn("payment callback not applied",
		zap.String("provider", c.Param("provider")),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownProvider),
		errors.Is(err, models.ErrInvalidMethod):
		response.Fail(c, http.StatusBadRequest, "invalid_provider", err.Error())
	case errors.Is(err, models.ErrProviderUnconfigured):
		response.ServiceUnavailable(c, "payment provider unavailable")
	case errors.Is(err, models.ErrAmountMismatch):
		response.Fail(c, http.StatusBadRequest, "amount_mismatch", err.Error())
	case errors.Is(err, models.ErrProviderRejected):
		response.Fail(c, http.StatusBadRequest, "provider_rejected", err.Error())
	case errors.Is(err, models.ErrProviderTimeout):
		response.GatewayTimeout(c, "payment provider timed out")
	case errors.Is(err, models.ErrCourseNotFound):
		response.NotFound(c, "course not found")
	case errors.Is(err, models.ErrIntentNotFound):
		response.NotFound(c, "payment not found")
	case errors.Is(err, models.ErrAlreadyEnrolled):
		response.Conflict(c, "already enrolled")
	case errors.Is(err, models.ErrDuplicateReference):
		response.Conflict(c, "duplicate payment reference")
	case errors.Is(err, models.ErrInvalidSignature):
		response.Unauthorized(c, "invalid signature")
	case errors.Is(err, models.ErrInvalidTransition):
		response.Conflict(c, "payment already settled")
	default:
		h.logger.Error("payment request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
