package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/wahook/internal/config"
)

// Requester issues authenticated calls against the Graph API.
type Requester interface {
	Do(ctx context.Context, method, path string, body, result any) error
}

// Client is the WhatsApp handle passed to every webhook and flow handler.
type Client interface {
	PhoneNumberID() string
	SendTextMessage(ctx context.Context, req SendTextMessageRequest) (*SendMessageResponse, error)
	SendReaction(ctx context.Context, to, messageID, emoji string) (*SendMessageResponse, error)
	MarkAsRead(ctx context.Context, messageID string) error
}

// RestyRequester is a resty-backed implementation of Requester.
type RestyRequester struct {
	httpClient *resty.Client
}

// NewRequester builds a Requester using the provided configuration values.
func NewRequester(cfg config.WhatsAppConfig) *RestyRequester {
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	restyClient := resty.New()
	restyClient.
		SetBaseURL(fmt.Sprintf("%s/%s", base, cfg.APIVersion)).
		SetHeader("Authorization", fmt.Sprintf("Bearer %s", cfg.AccessToken)).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	return &RestyRequester{httpClient: restyClient}
}

// apiError represents a WhatsApp Cloud API error payload.
type apiError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorData    any    `json:"error_data"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// APIError is returned when the Graph API answers with a 4xx/5xx status.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	FBTraceID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error: status=%d, code=%d, message=%s", e.StatusCode, e.Code, e.Message)
}

// Do sends body as JSON to path and decodes a successful response into result.
func (r *RestyRequester) Do(ctx context.Context, method, path string, body, result any) error {
	apiErr := new(apiError)

	req := r.httpClient.R().
		SetContext(ctx).
		SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		out := &APIError{StatusCode: resp.StatusCode(), Code: resp.StatusCode()}
		if apiErr.Error.Code != 0 {
			out.Code = apiErr.Error.Code
		}
		out.Message = apiErr.Error.Message
		out.FBTraceID = apiErr.Error.FBTraceID
		return out
	}

	return nil
}

// APIClient implements Client on top of a Requester.
type APIClient struct {
	requester     Requester
	phoneNumberID string
}

// NewClient builds a WhatsApp client sending from phoneNumberID.
func NewClient(requester Requester, phoneNumberID string) *APIClient {
	return &APIClient{requester: requester, phoneNumberID: phoneNumberID}
}

// SendTextMessageRequest represents a simplified text message payload.
type SendTextMessageRequest struct {
	To         string
	Body       string
	PreviewURL bool
	// ReplyTo quotes an earlier message when set.
	ReplyTo string
}

// SendMessageResponse mirrors the successful response from Meta.
type SendMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MessageID returns the first message id of the response, if any.
func (r *SendMessageResponse) MessageID() string {
	if r == nil || len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

func (c *APIClient) PhoneNumberID() string {
	return c.phoneNumberID
}

func (c *APIClient) SendTextMessage(ctx context.Context, req SendTextMessageRequest) (*SendMessageResponse, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                req.To,
		"type":              "text",
		"text": map[string]any{
			"body":        req.Body,
			"preview_url": req.PreviewURL,
		},
	}
	if req.ReplyTo != "" {
		payload["context"] = map[string]any{"message_id": req.ReplyTo}
	}

	result := new(SendMessageResponse)
	if err := c.requester.Do(ctx, http.MethodPost, c.messagesPath(), payload, result); err != nil {
		return nil, fmt.Errorf("send whatsapp message: %w", err)
	}
	return result, nil
}

func (c *APIClient) SendReaction(ctx context.Context, to, messageID, emoji string) (*SendMessageResponse, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "reaction",
		"reaction": map[string]any{
			"message_id": messageID,
			"emoji":      emoji,
		},
	}

	result := new(SendMessageResponse)
	if err := c.requester.Do(ctx, http.MethodPost, c.messagesPath(), payload, result); err != nil {
		return nil, fmt.Errorf("send whatsapp reaction: %w", err)
	}
	return result, nil
}

func (c *APIClient) MarkAsRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := c.requester.Do(ctx, http.MethodPost, c.messagesPath(), payload, nil); err != nil {
		return fmt.Errorf("mark message %s as read: %w", messageID, err)
	}
	return nil
}

func (c *APIClient) messagesPath() string {
	return fmt.Sprintf("%s/messages", c.phoneNumberID)
}
