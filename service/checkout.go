package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"contribution-checkout/backend"
	"contribution-checkout/captcha"
	"contribution-checkout/fees"
	"contribution-checkout/logging"
	"contribution-checkout/models"
	"contribution-checkout/monitoring"
	"contribution-checkout/resolver"
	"contribution-checkout/session"
	"contribution-checkout/widget"
)

// State is a checkout state
type State string

const (
	StateIdle                 State = "idle"
	StateValidating           State = "validating"
	StateAcquiringToken       State = "acquiring_token"
	StateCreatingSession      State = "creating_session"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
)

// FailureKind qualifies StateFailed
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation"
	FailureFatal      FailureKind = "fatal"
	FailureExternal   FailureKind = "external"
)

var (
	// ErrSubmissionInProgress rejects a submit while another attempt or payment session is live
	ErrSubmissionInProgress = errors.New("a contribution is already being processed")
	// ErrCheckoutClosed rejects changes after a terminal state
	ErrCheckoutClosed = errors.New("checkout is closed")
	// ErrNotAwaitingConfirmation rejects widget results outside the confirmation step
	ErrNotAwaitingConfirmation = errors.New("checkout is not awaiting confirmation")
	// ErrPaymentFailed marks failures shown to the donor as the generic error view
	ErrPaymentFailed = errors.New("payment could not be processed")
	// ErrInvalidFrequency rejects unknown frequencies
	ErrInvalidFrequency = errors.New("invalid frequency")
)

// FieldErrors are per-field validation messages, keyed by wire field name
type FieldErrors struct {
	Fields map[string][]string
}

func (e *FieldErrors) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	return "invalid fields: " + strings.Join(names, ", ")
}

func (e *FieldErrors) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Auditor receives intent changes. Calls must not block.
type Auditor interface {
	AmountChanged(ctx context.Context, amount float64)
	FrequencyChanged(ctx context.Context, frequency models.Frequency)
	PayFeesChanged(ctx context.Context, payFees bool)
	PaymentCreation(ctx context.Context, amount float64)
}

// Dependencies are shared by every checkout of a service instance
type Dependencies struct {
	Tracer         trace.Tracer
	Backend        session.Backend
	Ledger         session.Ledger
	Auditor        Auditor
	Errors         monitoring.ErrorReporter
	Captcha        captcha.Provider
	CaptchaTimeout time.Duration
	CleanupTimeout time.Duration
	Fees           fees.Schedule
	ThankYouURL    string
}

func (d *Dependencies) defaults() {
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("contribution-checkout/service")
	}
	if d.Fees == (fees.Schedule{}) {
		d.Fees = fees.DefaultSchedule
	}
	if d.CaptchaTimeout <= 0 {
		d.CaptchaTimeout = 3 * time.Second
	}
	if d.CleanupTimeout <= 0 {
		d.CleanupTimeout = 5 * time.Second
	}
}

// Submission is what the donor posts on submit
type Submission struct {
	Donor models.DonorInfo
	// Captcha overrides the service-wide token provider for this submission
	Captcha captcha.Provider
}

// Checkout is one donor's contribution session on a page
type Checkout struct {
	ID        string
	CreatedAt time.Time

	page     *models.PageConfig
	deps     Dependencies
	store    *session.Store
	validate *validator.Validate

	mu          sync.Mutex
	state       State
	failure     FailureKind
	confirming  bool
	intent      models.Intent
	custom      bool
	fieldErrors map[string][]string
	message     string
	updatedAt   time.Time

	cleanup sync.WaitGroup
}

// NewCheckout starts a checkout on page, resolving the initial frequency and
// amount from the frequency and amount query parameters.
func NewCheckout(ctx context.Context, id string, page *models.PageConfig, freqParam, amountParam string, deps Dependencies) *Checkout {
	deps.defaults()
	if page == nil {
		page = &models.PageConfig{}
	}

	initial := resolver.Resolve(page, freqParam, amountParam)
	amount := math.NaN()
	if initial.Amount.Present {
		amount = initial.Amount.Value
	}

	now := time.Now()
	c := &Checkout{
		ID:        id,
		CreatedAt: now,
		page:      page,
		deps:      deps,
		store:     session.NewStore(deps.Backend, deps.Ledger),
		validate:  newValidator(),
		state:     StateIdle,
		custom:    initial.IsCustomOverride,
		updatedAt: now,
		intent: models.Intent{
			Frequency: initial.Frequency,
			Amount:    amount,
		},
	}
	c.recomputeFee()

	logging.FromContext(ctx).Info("Checkout started",
		zap.String("checkout_id", id),
		zap.Int("page_id", page.ID),
		zap.String("frequency", string(initial.Frequency)),
		zap.Bool("amount_present", initial.Amount.Present),
		zap.Bool("custom_amount", initial.IsCustomOverride),
	)
	c.auditFrequency(ctx, initial.Frequency)
	if initial.Amount.Present {
		c.auditAmount(ctx, amount)
	}
	return c
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SetAmount changes the base amount, rounded to cents. NaN is accepted while the
// donor edits a free-entry field.
func (c *Checkout) SetAmount(ctx context.Context, amount float64) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	amount = fees.Round(amount)
	c.intent.Amount = amount
	c.custom = !math.IsNaN(amount) && !containsAmount(resolver.Presets(c.page, c.intent.Frequency), amount)
	c.recomputeFee()
	c.touch()
	c.mu.Unlock()

	c.auditAmount(ctx, amount)
	return nil
}

// SetFrequency changes the frequency and resets the amount to the page default
// for it when one exists.
func (c *Checkout) SetFrequency(ctx context.Context, frequency models.Frequency) error {
	if !frequency.Valid() {
		return ErrInvalidFrequency
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.intent.Frequency = frequency
	amount, _ := resolver.ResolveAmount(frequency, c.page, "")
	amountChanged := amount.Present && amount.Value != c.intent.Amount
	if amount.Present {
		c.intent.Amount = amount.Value
		c.custom = false
	} else {
		c.custom = !math.IsNaN(c.intent.Amount) && !containsAmount(resolver.Presets(c.page, frequency), c.intent.Amount)
	}
	c.recomputeFee()
	c.touch()
	newAmount := c.intent.Amount
	c.mu.Unlock()

	c.auditFrequency(ctx, frequency)
	if amountChanged {
		c.auditAmount(ctx, newAmount)
	}
	return nil
}

// SetPayFees records whether the donor covers processing fees
func (c *Checkout) SetPayFees(ctx context.Context, payFees bool) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.intent.PayFees = payFees
	c.recomputeFee()
	c.touch()
	c.mu.Unlock()

	if c.deps.Auditor != nil {
		c.deps.Auditor.PayFeesChanged(ctx, payFees)
	}
	return nil
}

// SetMailingCountry records the donor's mailing country
func (c *Checkout) SetMailingCountry(country string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.intent.MailingCountry = strings.TrimSpace(country)
	c.touch()
	return nil
}

// Submit validates the intent and donor details, acquires a bot-mitigation
// token and creates a payment session on the backend. On success the checkout
// awaits external confirmation of the returned session.
func (c *Checkout) Submit(ctx context.Context, sub Submission) (models.PaymentSession, error) {
	ctx, span := c.deps.Tracer.Start(ctx, "checkout.submit")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.id", c.ID))
	logger := logging.WithTraceContext(span)

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return models.PaymentSession{}, err
	}
	c.fieldErrors = nil
	c.message = ""
	c.transitionLocked(ctx, StateValidating, FailureNone)
	intent := c.intent
	c.mu.Unlock()

	donor := sub.Donor
	if strings.TrimSpace(donor.MailingCountry) == "" {
		donor.MailingCountry = intent.MailingCountry
	}
	if fieldErrs := c.check(intent, donor); fieldErrs != nil {
		c.failValidation(ctx, fieldErrs.Fields)
		return models.PaymentSession{}, fieldErrs
	}

	c.transition(ctx, StateAcquiringToken, FailureNone)
	provider := sub.Captcha
	if provider == nil {
		provider = c.deps.Captcha
	}
	token, err := captcha.Acquire(ctx, provider, "submit", c.deps.CaptchaTimeout)
	if err != nil {
		logger.Warn("Proceeding without captcha token", zap.Error(err), zap.String("checkout_id", c.ID))
		token = ""
	}

	c.transition(ctx, StateCreatingSession, FailureNone)
	total := c.deps.Fees.Total(intent.Amount, intent.PayFees, intent.Frequency, c.page.IsNonprofit)
	req := &models.CreatePaymentRequest{
		Amount:              strconv.FormatFloat(total, 'f', 2, 64),
		Interval:            intent.Frequency,
		AgreedToPayFees:     intent.PayFees,
		CaptchaToken:        token,
		DonorSelectedAmount: intent.Amount,
		Page:                c.page.ID,
		DonorInfo:           donor,
	}
	span.SetAttributes(
		attribute.Float64("payment.amount", total),
		attribute.String("payment.interval", string(intent.Frequency)),
	)

	if c.deps.Auditor != nil {
		c.deps.Auditor.PaymentCreation(ctx, total)
	}
	monitoring.ContributionAmount.Record(ctx, total,
		metric.WithAttributes(attribute.String("interval", string(intent.Frequency))),
	)

	sess, err := c.store.Create(ctx, req)
	if err != nil {
		return models.PaymentSession{}, c.failCreation(ctx, logger, err)
	}

	c.transition(ctx, StateAwaitingConfirmation, FailureNone)
	logger.Info("Payment session created",
		zap.String("checkout_id", c.ID),
		zap.String("session_id", sess.ID),
		zap.Float64("amount", sess.Amount),
		zap.String("frequency", string(sess.Frequency)),
	)
	return sess, nil
}

func (c *Checkout) failCreation(ctx context.Context, logger *zap.Logger, err error) error {
	var apiErr *backend.APIError
	errors.As(err, &apiErr)

	switch {
	case backend.IsValidation(err):
		fields := apiErr.FieldErrors
		if len(fields) == 0 {
			fields = map[string][]string{"non_field_errors": {"Please check your information and try again."}}
		}
		c.failValidation(ctx, fields)
		return &FieldErrors{Fields: fields}

	case backend.IsForbidden(err):
		// Expired auth is expected; keep it out of error tracking.
		logger.Warn("Payment session creation forbidden", zap.String("checkout_id", c.ID))

	default:
		fields := []zap.Field{zap.String("checkout_id", c.ID), zap.String("operation", "create_payment")}
		if apiErr != nil {
			fields = append(fields, zap.Int("status", apiErr.Status))
		}
		if c.deps.Errors != nil {
			c.deps.Errors.CaptureError(ctx, err, fields...)
		}
	}

	c.mu.Lock()
	c.message = widget.GenericErrorMessage
	c.transitionLocked(ctx, StateFailed, FailureFatal)
	c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
}

func (c *Checkout) failValidation(ctx context.Context, fields map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fieldErrors = fields
	c.transitionLocked(ctx, StateFailed, FailureValidation)
}

func (c *Checkout) check(intent models.Intent, donor models.DonorInfo) *FieldErrors {
	errs := &FieldErrors{}

	if math.IsNaN(intent.Amount) || math.IsInf(intent.Amount, 0) || intent.Amount <= 0 {
		errs.add("amount", "Please enter a valid amount.")
	}
	if !intent.Frequency.Valid() {
		errs.add("interval", "Please select a frequency.")
	}

	if err := c.validate.Struct(donor); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs.add(fe.Field(), validationMessage(fe.Tag()))
			}
		}
	}

	required := append([]string{"mailing_country"}, c.page.RequiredFields...)
	for _, name := range required {
		if _, seen := errs.Fields[name]; seen {
			continue
		}
		if strings.TrimSpace(donor.Field(name)) == "" {
			errs.add(name, validationMessage("required"))
		}
	}

	if len(errs.Fields) == 0 {
		return nil
	}
	return errs
}

func validationMessage(tag string) string {
	switch tag {
	case "required":
		return "This field is required."
	case "email":
		return "Please enter a valid email address."
	}
	return "This value is invalid."
}

// Confirm hands the pending session to the payment widget and resolves its
// result.
func (c *Checkout) Confirm(ctx context.Context, confirmer widget.Confirmer, paymentMethodID string) (widget.Result, error) {
	c.mu.Lock()
	if c.state != StateAwaitingConfirmation || c.confirming {
		c.mu.Unlock()
		return widget.Result{}, ErrNotAwaitingConfirmation
	}
	sess, ok := c.store.Current()
	if !ok {
		c.mu.Unlock()
		return widget.Result{}, ErrNotAwaitingConfirmation
	}
	c.confirming = true
	c.mu.Unlock()

	result := confirmer.Confirm(ctx, widget.Request{
		ClientSecret:    sess.ClientSecret,
		ReturnURL:       c.returnURL(sess),
		PaymentMethodID: paymentMethodID,
	})

	return result, c.resolve(ctx, result, sess.ID, true)
}

// Resolve applies a widget result reported for the current session. It is
// rejected while a server-side confirmation is running.
func (c *Checkout) Resolve(ctx context.Context, result widget.Result) error {
	return c.resolve(ctx, result, "", false)
}

// resolve applies result to the session sessionID, or to the current session
// when sessionID is empty. confirmed marks the end of a Confirm call.
func (c *Checkout) resolve(ctx context.Context, result widget.Result, sessionID string, confirmed bool) error {
	ctx, span := c.deps.Tracer.Start(ctx, "checkout.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.id", c.ID),
		attribute.String("widget.outcome", string(result.Outcome)),
	)
	logger := logging.WithTraceContext(span)

	c.mu.Lock()
	if confirmed {
		c.confirming = false
	} else if c.confirming {
		c.mu.Unlock()
		return ErrSubmissionInProgress
	}
	if c.state != StateAwaitingConfirmation {
		c.mu.Unlock()
		return ErrNotAwaitingConfirmation
	}
	if sessionID != "" {
		if cur, ok := c.store.Current(); !ok || cur.ID != sessionID || cur.Status != models.SessionPending {
			c.mu.Unlock()
			logger.Warn("Discarding widget result for a stale payment session",
				zap.String("checkout_id", c.ID),
				zap.String("session_id", sessionID),
			)
			return ErrNotAwaitingConfirmation
		}
	}

	switch result.Outcome {
	case widget.Success:
		c.transitionLocked(ctx, StateSucceeded, FailureNone)
		c.mu.Unlock()

		sess, err := c.store.Complete(ctx)
		if err != nil {
			logger.Error("Failed to notify backend of successful payment", zap.Error(err), zap.String("checkout_id", c.ID))
			if c.deps.Errors != nil {
				c.deps.Errors.CaptureError(ctx, err, zap.String("checkout_id", c.ID), zap.String("operation", "finish_payment"))
			}
			return nil
		}
		logger.Info("Contribution succeeded",
			zap.String("checkout_id", c.ID),
			zap.String("session_id", sess.ID),
			zap.Float64("amount", sess.Amount),
		)
		return nil

	case widget.UserCanceled:
		c.mu.Unlock()
		return c.Cancel(ctx)

	default:
		message := result.Message
		if message == "" {
			message = widget.GenericErrorMessage
		}
		c.message = message
		c.transitionLocked(ctx, StateFailed, FailureExternal)
		sess, abandoned := c.store.Abandon()
		c.mu.Unlock()

		logger.Warn("Payment provider reported an error",
			zap.String("checkout_id", c.ID),
			zap.String("message", result.Message),
			zap.Error(result.Err),
		)
		if abandoned {
			c.cleanupAsync(ctx, sess)
		}
		return fmt.Errorf("%w: %s", ErrPaymentFailed, message)
	}
}

// Cancel abandons the pending payment session. The checkout returns to Idle
// immediately; deleting the session on the backend happens in the background.
// Canceling with nothing pending is a no-op. Canceling while a server-side
// confirmation runs returns ErrSubmissionInProgress.
func (c *Checkout) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.confirming {
		c.mu.Unlock()
		return ErrSubmissionInProgress
	}
	if c.state != StateAwaitingConfirmation {
		c.mu.Unlock()
		return nil
	}
	sess, abandoned := c.store.Abandon()
	c.transitionLocked(ctx, StateIdle, FailureNone)
	c.mu.Unlock()

	logging.FromContext(ctx).Info("Checkout canceled by donor", zap.String("checkout_id", c.ID))
	if abandoned {
		c.cleanupAsync(ctx, sess)
	}
	return nil
}

func (c *Checkout) cleanupAsync(ctx context.Context, sess models.PaymentSession) {
	c.cleanup.Add(1)
	go func() {
		defer c.cleanup.Done()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.CleanupTimeout)
		defer cancel()
		if err := c.store.Cleanup(cleanupCtx, sess); err != nil {
			logging.FromContext(cleanupCtx).Warn("Failed to delete abandoned payment session",
				zap.Error(err),
				zap.String("checkout_id", c.ID),
				zap.String("session_id", sess.ID),
			)
		}
	}()
}

// WaitForCleanup blocks until background session deletions have finished
func (c *Checkout) WaitForCleanup() {
	c.cleanup.Wait()
}

// State returns the current state and failure kind
func (c *Checkout) State() (State, FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.failure
}

// Busy reports whether the submit control should be disabled
func (c *Checkout) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

// Terminal reports whether the checkout can no longer change
func (c *Checkout) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalLocked()
}

// UpdatedAt returns the time of the last change
func (c *Checkout) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

func (c *Checkout) busyLocked() bool {
	if c.confirming {
		return true
	}
	switch c.state {
	case StateValidating, StateAcquiringToken, StateCreatingSession, StateAwaitingConfirmation:
		return true
	}
	return c.store.IsPending()
}

func (c *Checkout) terminalLocked() bool {
	return c.state == StateSucceeded ||
		(c.state == StateFailed && (c.failure == FailureFatal || c.failure == FailureExternal))
}

func (c *Checkout) editableLocked() error {
	if c.terminalLocked() {
		return ErrCheckoutClosed
	}
	if c.busyLocked() {
		return ErrSubmissionInProgress
	}
	return nil
}

func (c *Checkout) transition(ctx context.Context, to State, failure FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(ctx, to, failure)
}

func (c *Checkout) transitionLocked(ctx context.Context, to State, failure FailureKind) {
	from := c.state
	c.state = to
	c.failure = failure
	c.touch()

	monitoring.CheckoutCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", string(to)),
			attribute.String("failure", string(failure)),
		),
	)
	logging.FromContext(ctx).Debug("Checkout transition",
		zap.String("checkout_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("failure", string(failure)),
	)
}

func (c *Checkout) touch() {
	c.updatedAt = time.Now()
}

func (c *Checkout) recomputeFee() {
	c.intent.FeeAmount = c.deps.Fees.Fee(c.intent.Amount, c.intent.Frequency, c.intent.PayFees, c.page.IsNonprofit)
}

func (c *Checkout) auditAmount(ctx context.Context, amount float64) {
	if c.deps.Auditor != nil {
		c.deps.Auditor.AmountChanged(ctx, amount)
	}
}

func (c *Checkout) auditFrequency(ctx context.Context, frequency models.Frequency) {
	if c.deps.Auditor != nil {
		c.deps.Auditor.FrequencyChanged(ctx, frequency)
	}
}

func (c *Checkout) returnURL(sess models.PaymentSession) string {
	base := c.page.ThankYouURL
	if base == "" {
		base = c.deps.ThankYouURL
	}
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set("amount", strconv.FormatFloat(sess.Amount, 'f', 2, 64))
	q.Set("frequency", string(sess.Frequency))
	if sess.EmailHash != "" {
		q.Set("uid", sess.EmailHash)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func containsAmount(presets []float64, v float64) bool {
	for _, p := range presets {
		if math.Abs(p-v) < 1e-9 {
			return true
		}
	}
	return false
}
