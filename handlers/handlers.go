package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"contribution-checkout/backend"
	"contribution-checkout/captcha"
	"contribution-checkout/fees"
	"contribution-checkout/logging"
	"contribution-checkout/models"
	"contribution-checkout/resolver"
	"contribution-checkout/service"
	"contribution-checkout/widget"
)

// PageLoader loads contribution pages
type PageLoader interface {
	GetPage(ctx context.Context, slug string) (*models.PageConfig, error)
}

// SubscriptionUpdater changes the payment method of a subscription
type SubscriptionUpdater interface {
	UpdateSubscriptionPaymentMethod(ctx context.Context, id, paymentMethodID string) error
}

// PublicConfig is handed to the browser with every new checkout
type PublicConfig struct {
	PublicAPIKey   string `json:"public_api_key"`
	CaptchaSiteKey string `json:"captcha_site_key"`
}

// CheckoutHandler handles HTTP requests for contribution checkouts
type CheckoutHandler struct {
	registry      *service.Registry
	pages         PageLoader
	subscriptions SubscriptionUpdater
	confirmer     widget.Confirmer
	fees          fees.Schedule
	public        PublicConfig
}

// NewCheckoutHandler creates a new checkout handler. confirmer may be nil when
// confirmation only happens in the browser.
func NewCheckoutHandler(registry *service.Registry, pages PageLoader, subscriptions SubscriptionUpdater, confirmer widget.Confirmer, schedule fees.Schedule, public PublicConfig) *CheckoutHandler {
	return &CheckoutHandler{
		registry:      registry,
		pages:         pages,
		subscriptions: subscriptions,
		confirmer:     confirmer,
		fees:          schedule,
		public:        public,
	}
}

// Register mounts the routes on r
func (h *CheckoutHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/fees", h.Quote)
	api.POST("/checkouts", h.StartCheckout)
	api.GET("/checkouts/:id", h.GetCheckout)
	api.PATCH("/checkouts/:id", h.UpdateCheckout)
	api.POST("/checkouts/:id/submit", h.SubmitCheckout)
	api.POST("/checkouts/:id/confirmation", h.ConfirmCheckout)
	api.DELETE("/checkouts/:id", h.CancelCheckout)
	api.PATCH("/subscriptions/:id", h.UpdateSubscription)
}

type startRequest struct {
	Page string `json:"page" binding:"required"`
}

type startResponse struct {
	Checkout service.Snapshot `json:"checkout"`
	PublicConfig
}

// StartCheckout loads the page and resolves the initial intent from the
// frequency and amount query parameters.
func (h *CheckoutHandler) StartCheckout(c *gin.Context) {
	ctx := c.Request.Context()

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.pages.GetPage(ctx, req.Page)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Page not found"})
			return
		}
		logging.FromContext(ctx).Error("Failed to load page", zap.Error(err), zap.String("page", req.Page))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Page could not be loaded"})
		return
	}

	chk := h.registry.Start(ctx, page, c.Query("frequency"), c.Query("amount"))
	c.JSON(http.StatusCreated, startResponse{Checkout: chk.Snapshot(), PublicConfig: h.public})
}

// GetCheckout returns the current checkout state
func (h *CheckoutHandler) GetCheckout(c *gin.Context) {
	chk, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chk.Snapshot())
}

type updateRequest struct {
	Amount         *float64          `json:"amount"`
	ClearAmount    bool              `json:"clear_amount"`
	Frequency      *models.Frequency `json:"frequency"`
	PayFees        *bool             `json:"pay_fees"`
	MailingCountry *string           `json:"mailing_country"`
}

// UpdateCheckout applies donor edits to the intent
func (h *CheckoutHandler) UpdateCheckout(c *gin.Context) {
	chk, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Frequency != nil {
		err = chk.SetFrequency(ctx, *req.Frequency)
	}
	if err == nil && req.ClearAmount {
		err = chk.SetAmount(ctx, math.NaN())
	} else if err == nil && req.Amount != nil {
		err = chk.SetAmount(ctx, *req.Amount)
	}
	if err == nil && req.PayFees != nil {
		err = chk.SetPayFees(ctx, *req.PayFees)
	}
	if err == nil && req.MailingCountry != nil {
		err = chk.SetMailingCountry(*req.MailingCountry)
	}
	if err != nil {
		h.fail(c, chk, err)
		return
	}
	c.JSON(http.StatusOK, chk.Snapshot())
}

type submitRequest struct {
	models.DonorInfo
	CaptchaToken string `json:"captcha_token"`
}

type submitResponse struct {
	Session  service.SessionView `json:"session"`
	Checkout service.Snapshot    `json:"checkout"`
}

// SubmitCheckout validates the donor and creates the payment session
func (h *CheckoutHandler) SubmitCheckout(c *gin.Context) {
	chk, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := service.Submission{Donor: req.DonorInfo}
	if req.CaptchaToken != "" {
		sub.Captcha = captcha.Static(req.CaptchaToken)
	}

	sess, err := chk.Submit(ctx, sub)
	if err != nil {
		h.fail(c, chk, err)
		return
	}

	span.AddEvent("payment_session_created")
	c.JSON(http.StatusCreated, submitResponse{
		Session: service.SessionView{
			ClientSecret: sess.ClientSecret,
			EmailHash:    sess.EmailHash,
			Amount:       sess.Amount,
			Frequency:    sess.Frequency,
			Status:       string(sess.Status),
		},
		Checkout: chk.Snapshot(),
	})
}

type confirmationRequest struct {
	Outcome         string `json:"outcome"`
	Message         string `json:"message"`
	PaymentMethodID string `json:"payment_method_id"`
}

// ConfirmCheckout resolves the payment widget step. The browser either reports
// the widget outcome or sends a payment method to confirm server-side.
func (h *CheckoutHandler) ConfirmCheckout(c *gin.Context) {
	chk, ok := h.lookup(c)
	if !ok {
		return
	}

	var req confirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var confirmer widget.Confirmer = widget.Reported{
		Outcome: widget.ParseOutcome(req.Outcome),
		Message: req.Message,
	}
	if req.PaymentMethodID != "" {
		if h.confirmer == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Server-side confirmation is not enabled"})
			return
		}
		confirmer = h.confirmer
	}

	if _, err := chk.Confirm(c.Request.Context(), confirmer, req.PaymentMethodID); err != nil {
		h.fail(c, chk, err)
		return
	}
	c.JSON(http.StatusOK, chk.Snapshot())
}

// CancelCheckout abandons the pending payment session
func (h *CheckoutHandler) CancelCheckout(c *gin.Context) {
	chk, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := chk.Cancel(c.Request.Context()); err != nil {
		h.fail(c, chk, err)
		return
	}
	c.JSON(http.StatusOK, chk.Snapshot())
}

type subscriptionRequest struct {
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
}

// UpdateSubscription swaps the payment method on an existing subscription
func (h *CheckoutHandler) UpdateSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.subscriptions.UpdateSubscriptionPaymentMethod(ctx, c.Param("id"), req.PaymentMethodID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case backend.IsValidation(err):
		var apiErr *backend.APIError
		errors.As(err, &apiErr)
		c.JSON(http.StatusBadRequest, gin.H{"field_errors": apiErr.FieldErrors})
	case backend.IsForbidden(err):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not allowed"})
	default:
		logging.FromContext(ctx).Error("Failed to update subscription", zap.Error(err), zap.String("subscription_id", c.Param("id")))
		c.JSON(http.StatusBadGateway, gin.H{"error": widget.GenericErrorMessage})
	}
}

// Quote previews the fee and total for an amount
func (h *CheckoutHandler) Quote(c *gin.Context) {
	amount, ok := resolver.ParseAmount(c.Query("amount"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}
	frequency := models.FrequencyOneTime
	if f, ok := resolver.ParseFrequency(c.Query("frequency")); ok {
		frequency = f
	}
	payFees, _ := strconv.ParseBool(c.DefaultQuery("pay_fees", "true"))
	nonprofit, _ := strconv.ParseBool(c.Query("nonprofit"))

	c.JSON(http.StatusOK, gin.H{
		"amount":    amount,
		"frequency": frequency,
		"fee":       h.fees.Fee(amount, frequency, payFees, nonprofit),
		"total":     h.fees.Total(amount, payFees, frequency, nonprofit),
	})
}

// HealthCheck handles health check requests
func (h *CheckoutHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "checkouts": h.registry.Len()})
}

func (h *CheckoutHandler) lookup(c *gin.Context) (*service.Checkout, bool) {
	chk, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkout not found"})
		return nil, false
	}
	return chk, true
}

func (h *CheckoutHandler) fail(c *gin.Context, chk *service.Checkout, err error) {
	var fieldErrs *service.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		c.JSON(http.StatusBadRequest, gin.H{"field_errors": fieldErrs.Fields})
	case errors.Is(err, service.ErrInvalidFrequency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSubmissionInProgress),
		errors.Is(err, service.ErrCheckoutClosed),
		errors.Is(err, service.ErrNotAwaitingConfirmation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		snap := chk.Snapshot()
		message := snap.Error
		if message == "" {
			message = widget.GenericErrorMessage
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": message, "checkout": snap})
	}
}
