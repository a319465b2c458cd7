package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/jun/gdrive-notifier/internal/eventlog"
	"github.com/jun/gdrive-notifier/internal/model"
	"github.com/jun/gdrive-notifier/internal/notify"
	"github.com/rs/zerolog/log"
)

// NotifyHandler serves the routes that send WhatsApp messages.
type NotifyHandler struct {
	apiKey     string
	testPhone  string
	formatter  *notify.Formatter
	resolver   *notify.RecipientResolver
	dispatcher *notify.Dispatcher
	eventLog   *eventlog.Log
	now        func() time.Time
}

// NewNotifyHandler creates a NotifyHandler. testPhone may be empty, in which
// case /test uses the first default recipient.
func NewNotifyHandler(apiKey, testPhone string, formatter *notify.Formatter, resolver *notify.RecipientResolver, dispatcher *notify.Dispatcher, eventLog *eventlog.Log) *NotifyHandler {
	return &NotifyHandler{
		apiKey:     apiKey,
		testPhone:  testPhone,
		formatter:  formatter,
		resolver:   resolver,
		dispatcher: dispatcher,
		eventLog:   eventLog,
		now:        time.Now,
	}
}

// Webhook handles a Drive share event: authenticate, log, format, resolve
// recipients and send to each of them in turn.
func (h *NotifyHandler) Webhook(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !HasBearer(req, h.apiKey) {
		log.Ctx(ctx).Warn().Str("sourceIp", SourceIP(req)).Msg("Rejected webhook with bad bearer token")
		return Unauthorized()
	}

	var payload model.NotificationPayload
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("invalid webhook body: %w", err)
	}

	// Logging is best effort and never fails the request.
	if err := h.eventLog.Append(ctx, payload); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("fileId", payload.FileID).Msg("Failed to log event")
	}

	message := h.formatter.Format(payload, h.now())
	recipients, err := h.resolver.Resolve(ctx, payload)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	log.Ctx(ctx).Info().
		Str("eventType", payload.EventType).
		Str("fileId", payload.FileID).
		Int("recipients", len(recipients)).
		Msg("Webhook event received")

	results := h.dispatcher.SendAll(ctx, recipients, message, payload.ThumbnailURL)
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Notifications sent",
		"results": results,
	})
}

// Test sends a canned test_event message to TEST_PHONE_NUMBER or the first
// default recipient.
func (h *NotifyHandler) Test(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	now := h.now()
	payload := model.NotificationPayload{
		EventType: model.EventTestEvent,
		FileID:    "test-" + uuid.NewString(),
		FileName:  "test_file.pdf",
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	message := h.formatter.Format(payload, now)

	recipient := h.testPhone
	if recipient == "" {
		if defaults := h.resolver.Defaults(); len(defaults) > 0 {
			recipient = defaults[0]
		}
	}
	if recipient == "" {
		return JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "no test recipient configured",
		})
	}

	result := h.dispatcher.Send(ctx, recipient, message, "")
	if !result.Success {
		return JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   result.Error,
		})
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Test notification sent",
		"result":  result,
	})
}

type manualRequest struct {
	Recipients   []string         `json:"recipients"`
	Message      string           `json:"message"`
	ThumbnailURL string           `json:"thumbnailUrl,omitempty"`
	Template     *notify.Template `json:"template,omitempty"`
}

// Notify sends a caller supplied message, or a pre-approved template, to
// explicit recipients. Every number must be valid before anything is sent.
func (h *NotifyHandler) Notify(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !HasBearer(req, h.apiKey) {
		return Unauthorized()
	}

	var body manualRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return Error(http.StatusBadRequest, "Invalid request body")
	}
	hasTemplate := body.Template != nil && body.Template.Name != ""
	if len(body.Recipients) == 0 || (body.Message == "" && !hasTemplate) {
		return Error(http.StatusBadRequest, "recipients and message are required")
	}

	var invalid []string
	for _, r := range body.Recipients {
		if !notify.ValidatePhoneNumber(r) {
			invalid = append(invalid, r)
		}
	}
	if len(invalid) > 0 {
		return JSON(http.StatusBadRequest, map[string]any{
			"error":   "Invalid phone number",
			"invalid": invalid,
		})
	}

	log.Ctx(ctx).Info().Int("recipients", len(body.Recipients)).Bool("template", hasTemplate).Msg("Manual notification requested")
	var results []model.SendResult
	if hasTemplate {
		results = h.dispatcher.SendTemplateAll(ctx, body.Recipients, *body.Template)
	} else {
		results = h.dispatcher.SendAll(ctx, body.Recipients, body.Message, body.ThumbnailURL)
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Sent to %d recipients", len(results)),
		"results": results,
	})
}
