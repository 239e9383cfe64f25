package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"coursegate/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds the configuration for creating a SendGridClient.
type SendGridClientConfig struct {
	APIKey      string
	BaseURL     string // defaults to sendGridAPIBase
	FromAddress string
	FromName    string
	// NewsletterListID is the marketing list new sign-ups are added to.
	// Empty adds contacts to the global list.
	NewsletterListID string
	Logger           *slog.Logger
}

// SendGridClient implements Mailer and NewsletterSubscriber.
type SendGridClient struct {
	base   *BaseClient
	cfg    SendGridClientConfig
	logger *slog.Logger
}

// NewSendGridClient creates a SendGridClient with the default retry policy.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(
		httpClient,
		"sendgrid",
		DefaultRetryPolicy(),
		"Coursegate/1.0",
	)
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient with a pre-configured BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridAPIBase
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SendGridClient{
		base:   base,
		cfg:    cfg,
		logger: logger,
	}
}

// SendTemplate sends a dynamic-template email via /v3/mail/send.
func (s *SendGridClient) SendTemplate(ctx context.Context, email TemplateEmail) (string, error) {
	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To:          []sendGridAddress{{Email: email.To, Name: email.ToName}},
			DynamicData: email.Data,
		}},
		From: sendGridAddress{
			Email: s.cfg.FromAddress,
			Name:  s.cfg.FromName,
		},
		TemplateID: email.TemplateID,
	}

	if requestID := types.GetRequestID(ctx); requestID != "" {
		payload.CustomArgs = map[string]string{"request_id": requestID}
	}

	resp, err := s.postJSON(ctx, http.MethodPost, "/v3/mail/send", payload)
	if err != nil {
		return "", s.wrapSendGridError("SendTemplate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}

	return "", s.handleErrorResponse(resp, "SendTemplate")
}

// Subscribe upserts a marketing contact. SendGrid queues the upsert and
// answers 202.
func (s *SendGridClient) Subscribe(ctx context.Context, email string, name string) error {
	payload := sendGridContactsPayload{
		Contacts: []sendGridContact{{Email: email, FirstName: name}},
	}
	if s.cfg.NewsletterListID != "" {
		payload.ListIDs = []string{s.cfg.NewsletterListID}
	}

	resp, err := s.postJSON(ctx, http.MethodPut, "/v3/marketing/contacts", payload)
	if err != nil {
		return s.wrapSendGridError("Subscribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	return s.handleErrorResponse(resp, "Subscribe")
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	TemplateID       string                    `json:"template_id"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To          []sendGridAddress `json:"to"`
	DynamicData map[string]any    `json:"dynamic_template_data,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContactsPayload struct {
	ListIDs  []string          `json:"list_ids,omitempty"`
	Contacts []sendGridContact `json:"contacts"`
}

type sendGridContact struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *SendGridClient) postJSON(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal SendGrid payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	return s.base.Do(req)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type sendGridErrorResponse struct {
	Errors []sendGridErrorDetail `json:"errors"`
}

type sendGridErrorDetail struct {
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (s *SendGridClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: SendGrid returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var sgErr sendGridErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &sgErr); jsonErr == nil && len(sgErr.Errors) > 0 {
		errMsg = sgErr.Errors[0].Message
	}

	return s.mapSendGridError(operation, resp.StatusCode, errMsg)
}

// mapSendGridError maps 403 (suppressed recipient) to ErrCodeEmailBlocked and
// everything else to the email provider code.
func (s *SendGridClient) mapSendGridError(operation string, statusCode int, message string) error {
	if statusCode == http.StatusForbidden {
		return types.NewAppError(
			types.ErrCodeEmailBlocked,
			fmt.Sprintf("%s: SendGrid blocked delivery: %s", operation, message),
			nil,
		)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("%s: SendGrid error (%d): %s", operation, statusCode, message),
		nil,
	)
}

func (s *SendGridClient) wrapSendGridError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("%s: SendGrid request failed", operation),
		err,
	)
}

var (
	_ Mailer               = (*SendGridClient)(nil)
	_ NewsletterSubscriber = (*SendGridClient)(nil)
)
