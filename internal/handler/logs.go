package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/gdrive-notifier/internal/eventlog"
	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/rs/zerolog/log"
)

// LogsHandler serves /logs and /stats. Only /stats needs the API key.
type LogsHandler struct {
	apiKey   string
	eventLog *eventlog.Log
}

func NewLogsHandler(apiKey string, eventLog *eventlog.Log) *LogsHandler {
	return &LogsHandler{apiKey: apiKey, eventLog: eventLog}
}

// Logs returns entries newest first: the newest 50 by default, or the
// window given by ?limit= (1..1000) and ?offset=.
func (h *LogsHandler) Logs(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	limit, ok := queryInt(req, "limit", eventlog.RecentLimit)
	if !ok || limit < 1 || limit > eventlog.MaxEntries {
		return Error(http.StatusBadRequest, "limit must be between 1 and 1000")
	}
	offset, ok := queryInt(req, "offset", 0)
	if !ok || offset < 0 {
		return Error(http.StatusBadRequest, "offset must be a non-negative integer")
	}

	recent, total, err := h.eventLog.Page(ctx, offset, limit)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to read event log")
		return JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to retrieve logs",
		})
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"count":   len(recent),
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"logs":    recent,
	})
}

func queryInt(req events.APIGatewayProxyRequest, name string, def int) (int, bool) {
	v := req.QueryStringParameters[name]
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// Stats returns the stored daily stats for ?date=YYYY-MM-DD, today (UTC) by
// default. A miss lists the dates that do have stats.
func (h *LogsHandler) Stats(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !HasBearer(req, h.apiKey) {
		return Unauthorized()
	}
	date := req.QueryStringParameters["date"]
	if date == "" {
		date = h.eventLog.Today()
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		return Error(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	stats, err := h.eventLog.GetStats(ctx, date)
	if errors.Is(err, kv.ErrNotFound) {
		dates, listErr := h.eventLog.StatsDates(ctx)
		if listErr != nil {
			log.Ctx(ctx).Warn().Err(listErr).Msg("Failed to list stats dates")
		}
		return JSON(http.StatusNotFound, map[string]any{
			"error":          "No stats for " + date,
			"availableDates": dates,
		})
	}
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}
