package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/gdrive-notifier/internal/whatsapp"
	"github.com/rs/zerolog/log"
)

// Version is reported by the root descriptor.
const Version = "1.0.0"

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves / and /status.
type StatusHandler struct {
	whatsapp Pinger
	storage  Pinger
	now      func() time.Time
}

func NewStatusHandler(whatsapp, storage Pinger) *StatusHandler {
	return &StatusHandler{whatsapp: whatsapp, storage: storage, now: time.Now}
}

// Root returns the static service descriptor.
func (h *StatusHandler) Root(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return JSON(http.StatusOK, map[string]any{
		"service":   "GDrive-WhatsApp Webhook Handler",
		"version":   Version,
		"status":    "healthy",
		"endpoints": []string{"/webhook", "/test", "/status", "/logs", "/stats", "/notify", "/message-status"},
	})
}

// Status checks WhatsApp and the KV store independently. A failed check
// only changes its own field; the response is always 200.
func (h *StatusHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	wa := "connected"
	if err := h.whatsapp.Ping(ctx); err != nil {
		wa = "disconnected"
		if errors.Is(err, whatsapp.ErrUnhealthy) {
			wa = "error"
		}
		log.Ctx(ctx).Warn().Err(err).Str("whatsapp", wa).Msg("WhatsApp health check failed")
	}

	storage := "connected"
	if err := h.storage.Ping(ctx); err != nil {
		storage = "error"
		log.Ctx(ctx).Warn().Err(err).Msg("Storage health check failed")
	}

	return JSON(http.StatusOK, map[string]any{
		"service":   "operational",
		"whatsapp":  wa,
		"storage":   storage,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
}
