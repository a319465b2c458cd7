// Package whatsapp is a small client for the Meta WhatsApp Business Cloud
// API. Every call is a single request; there is no retry.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is used when WHATSAPP_API_URL is not set.
const DefaultBaseURL = "https://graph.facebook.com/v18.0"

var (
	// ErrSendFailed is matched by every *SendError.
	ErrSendFailed = errors.New("whatsapp send failed")

	// ErrUnhealthy is returned by Ping when the API answered with a non-2xx status.
	ErrUnhealthy = errors.New("whatsapp api unhealthy")
)

// SendError carries the reason a message was not accepted: the API's
// error.message when present, otherwise a generic text.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string { return e.Reason }

func (e *SendError) Unwrap() error { return ErrSendFailed }

// Client calls the Cloud API for one business phone number.
type Client struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	httpClient    *http.Client
}

// NewClient creates a Client. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, phoneNumberID, accessToken string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		httpClient:    httpClient,
	}
}

type textBody struct {
	Body string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

// TemplateComponent is one entry of a template message's components list.
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TemplateParameter fills one placeholder of a pre-approved template.
type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type outboundMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Image            *imageBody    `json:"image,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

// MessageStatus is the delivery state reported for a sent message.
type MessageStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	ReadAt      string `json:"read_at,omitempty"`
}

// SendText sends a plain text message and returns its message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, outboundMessage{Type: "text", To: to, Text: &textBody{Body: body}})
}

// SendImage sends an image by URL with caption as the text.
func (c *Client) SendImage(ctx context.Context, to, link, caption string) (string, error) {
	return c.send(ctx, outboundMessage{Type: "image", To: to, Image: &imageBody{Link: link, Caption: caption}})
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, to, name, languageCode string, components []TemplateComponent) (string, error) {
	if languageCode == "" {
		languageCode = "ko"
	}
	return c.send(ctx, outboundMessage{
		Type: "template",
		To:   to,
		Template: &templateBody{
			Name:       name,
			Language:   templateLanguage{Code: languageCode},
			Components: components,
		},
	})
}

func (c *Client) send(ctx context.Context, msg outboundMessage) (string, error) {
	msg.MessagingProduct = "whatsapp"
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", &SendError{Reason: "encode message: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("messages"), bytes.NewReader(payload))
	if err != nil {
		return "", &SendError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", &SendError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	var out sendResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && decodeErr == nil && len(out.Messages) > 0 {
		return out.Messages[0].ID, nil
	}
	if out.Error != nil && out.Error.Message != "" {
		return "", &SendError{Reason: out.Error.Message}
	}
	return "", &SendError{Reason: "Failed to send message"}
}

// GetMessageStatus looks up the delivery state of a sent message.
func (c *Client) GetMessageStatus(ctx context.Context, messageID string) (*MessageStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(messageID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("get message status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("failed to get message status: %s", resp.Status)
	}

	var status MessageStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode message status: %w", err)
	}
	if status.ID == "" {
		status.ID = messageID
	}
	return &status, nil
}

// Ping fetches the phone number resource. A transport failure is returned
// as is; a non-2xx answer wraps ErrUnhealthy.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(""), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.Status)
	}
	return nil
}

func (c *Client) url(suffix string) string {
	u := c.baseURL + "/" + c.phoneNumberID
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return c.httpClient.Do(req)
}
