package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/gdrive-notifier/internal/whatsapp"
	"github.com/rs/zerolog/log"
)

// MessageStatusFetcher looks up a sent message; *whatsapp.Client satisfies it.
type MessageStatusFetcher interface {
	GetMessageStatus(ctx context.Context, messageID string) (*whatsapp.MessageStatus, error)
}

// MessagesHandler serves /message-status.
type MessagesHandler struct {
	apiKey  string
	fetcher MessageStatusFetcher
}

func NewMessagesHandler(apiKey string, fetcher MessageStatusFetcher) *MessagesHandler {
	return &MessagesHandler{apiKey: apiKey, fetcher: fetcher}
}

// Status returns the delivery state of ?id=<message id>.
func (h *MessagesHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !HasBearer(req, h.apiKey) {
		return Unauthorized()
	}
	id := req.QueryStringParameters["id"]
	if id == "" {
		return Error(http.StatusBadRequest, "id is required")
	}

	status, err := h.fetcher.GetMessageStatus(ctx, id)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("messageId", id).Msg("Message status lookup failed")
		return JSON(http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   "Failed to get message status",
		})
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"status":  status,
	})
}
