package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coursegate/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to stripeAPIBase
	// PriceID selects a catalogued price. When empty the line item is built
	// from PriceCents, Currency and ProductName.
	PriceID     string
	PriceCents  int64
	Currency    string
	ProductName string
	Logger      *slog.Logger
}

// StripeClient implements PaymentProcessor over the Stripe REST API. Calls go
// through BaseClient rather than the stripe-go client so they share the
// breaker and retry policy and can be tested with httptest.
type StripeClient struct {
	base   *BaseClient
	cfg    StripeClientConfig
	logger *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"Coursegate/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripeAPIBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:   base,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateCheckoutSession opens a one-off payment checkout. The identity is set
// as client_reference_id so the completed session can be tied back to it.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, in CheckoutRequest) (*types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("client_reference_id", in.ClientReferenceID)
	params.Set("success_url", in.SuccessURL)
	params.Set("cancel_url", in.CancelURL)
	params.Set("allow_promotion_codes", "true")
	params.Set("metadata[identity_id]", in.ClientReferenceID)
	if in.CustomerEmail != "" {
		params.Set("customer_email", in.CustomerEmail)
	}
	if s.cfg.PriceID != "" {
		params.Set("line_items[0][price]", s.cfg.PriceID)
	} else {
		params.Set("line_items[0][price_data][currency]", s.cfg.Currency)
		params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(s.cfg.PriceCents, 10))
		params.Set("line_items[0][price_data][product_data][name]", s.cfg.ProductName)
	}
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params, in.IdempotencyKey)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProcessorUnavailable,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	if session.URL == "" {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProcessorNoURL,
			"Stripe returned a checkout session without a redirect URL",
			nil,
			map[string]any{"session_ref": session.ID},
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"session_ref", session.ID,
		"identity_id", in.ClientReferenceID,
	)

	return session.toDomain(), nil
}

// RetrieveCheckoutSession fetches a session with its promotion codes expanded.
func (s *StripeClient) RetrieveCheckoutSession(ctx context.Context, ref string) (*types.CheckoutSession, error) {
	if ref == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingSessionRef,
			"checkout session reference is required",
			nil,
		)
	}

	params := url.Values{}
	params.Add("expand[]", "discounts.promotion_code")

	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(ref), params)
	if err != nil {
		return nil, s.wrapStripeError("RetrieveCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "RetrieveCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProcessorUnavailable,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.toDomain(), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a non-200 Stripe response and maps it.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProcessorUnavailable,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProcessorUnavailable,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	details := map[string]any{
		"stripe_type": stripeErr.Type,
		"stripe_code": stripeErr.Code,
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return types.NewAppErrorWithDetails(
			types.ErrCodeInternalConfigMissingSecret,
			fmt.Sprintf("%s: Stripe rejected the API key", operation),
			nil,
			details,
		)
	case statusCode == http.StatusNotFound || stripeErr.Code == "resource_missing":
		return types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundPaymentRecord,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
			details,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProcessorUnavailable,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
			details,
		)
	}
}

// wrapStripeError maps a BaseClient transport failure to the processor
// unavailable code.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeInternalUnexpected {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProcessorUnavailable,
		fmt.Sprintf("%s: Stripe request failed", operation),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe response types
// ---------------------------------------------------------------------------

type stripeCheckoutSession struct {
	ID                string           `json:"id"`
	URL               string           `json:"url"`
	ClientReferenceID string           `json:"client_reference_id"`
	PaymentStatus     string           `json:"payment_status"`
	AmountTotal       int64            `json:"amount_total"`
	Currency          string           `json:"currency"`
	Discounts         []stripeDiscount `json:"discounts"`
}

type stripeDiscount struct {
	Coupon        json.RawMessage `json:"coupon"`
	PromotionCode json.RawMessage `json:"promotion_code"`
}

// code returns the human-facing promotion code when expanded, falling back
// to the bare promotion code or coupon ID.
func (d stripeDiscount) code() string {
	if len(d.PromotionCode) > 0 && string(d.PromotionCode) != "null" {
		var expanded struct {
			ID   string `json:"id"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(d.PromotionCode, &expanded); err == nil {
			if expanded.Code != "" {
				return expanded.Code
			}
			return expanded.ID
		}
		var id string
		if err := json.Unmarshal(d.PromotionCode, &id); err == nil {
			return id
		}
	}
	if len(d.Coupon) > 0 && string(d.Coupon) != "null" {
		var coupon struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(d.Coupon, &coupon); err == nil && coupon.ID != "" {
			return coupon.ID
		}
		var id string
		if err := json.Unmarshal(d.Coupon, &id); err == nil {
			return id
		}
	}
	return ""
}

func (cs *stripeCheckoutSession) toDomain() *types.CheckoutSession {
	out := &types.CheckoutSession{
		ID:                cs.ID,
		URL:               cs.URL,
		ClientReferenceID: cs.ClientReferenceID,
		PaymentStatus:     cs.PaymentStatus,
		AmountTotal:       cs.AmountTotal,
		Currency:          cs.Currency,
	}
	for _, d := range cs.Discounts {
		if c := d.code(); c != "" {
			out.DiscountCode = c
			break
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier with stripe-go's HMAC-SHA256
// signature and timestamp tolerance check.
type StripeVerifier struct{}

// Verify validates payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// ---------------------------------------------------------------------------
// Unconfigured processor
// ---------------------------------------------------------------------------

// UnconfiguredProcessor is installed when no Stripe key is configured. Every
// call fails with a configuration error so a missing secret never reads as
// a successful or free checkout.
type UnconfiguredProcessor struct{}

func (UnconfiguredProcessor) CreateCheckoutSession(context.Context, CheckoutRequest) (*types.CheckoutSession, error) {
	return nil, errMissingStripeKey()
}

func (UnconfiguredProcessor) RetrieveCheckoutSession(context.Context, string) (*types.CheckoutSession, error) {
	return nil, errMissingStripeKey()
}

func errMissingStripeKey() error {
	return types.NewAppError(
		types.ErrCodeInternalConfigMissingSecret,
		"payment processor secret key is not configured",
		nil,
	)
}

var (
	_ PaymentProcessor = (*StripeClient)(nil)
	_ PaymentProcessor = UnconfiguredProcessor{}
	_ WebhookVerifier  = (*StripeVerifier)(nil)
)

// stripeTimeout is the HTTP timeout for Stripe calls.
const stripeTimeout = 20 * time.Second
