package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jun/gdrive-notifier/internal/eventlog"
	"github.com/jun/gdrive-notifier/internal/handler"
	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/notify"
	"github.com/jun/gdrive-notifier/internal/ratelimit"
	"github.com/jun/gdrive-notifier/internal/whatsapp"
)

// Components are the domain services shared by the HTTP handler and the
// scheduled job.
type Components struct {
	Store      kv.Store
	WhatsApp   *whatsapp.Client
	Formatter  *notify.Formatter
	Resolver   *notify.RecipientResolver
	Dispatcher *notify.Dispatcher
	EventLog   *eventlog.Log
	Reporter   *eventlog.Reporter
}

// NewComponents wires the services on top of store.
func NewComponents(cfg Config, store kv.Store) *Components {
	wa := whatsapp.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAccessToken, nil)
	formatter := notify.NewFormatter(cfg.Location)
	dispatcher := notify.NewDispatcher(wa)
	eventLog := eventlog.New(store)

	return &Components{
		Store:      store,
		WhatsApp:   wa,
		Formatter:  formatter,
		Resolver:   notify.NewRecipientResolver(store, cfg.DefaultRecipients),
		Dispatcher: dispatcher,
		EventLog:   eventLog,
		Reporter:   eventlog.NewReporter(eventLog, formatter, dispatcher, cfg.AdminPhone),
	}
}

// Bootstrap loads configuration, secrets and the KV store the way both
// Lambda entry points need them.
func Bootstrap(ctx context.Context) (Config, *Components) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("unable to load SDK config, %v", err))
	}

	ResolveSecrets(ctx, &cfg, NewResolver(awsCfg, cfg.DevMode))
	return cfg, NewComponents(cfg, NewStore(awsCfg, cfg))
}

// App holds the dependencies for the Lambda function.
type App struct {
	notifyHandler   *handler.NotifyHandler
	statusHandler   *handler.StatusHandler
	logsHandler     *handler.LogsHandler
	messagesHandler *handler.MessagesHandler
	limiter         *ratelimit.Limiter
}

// NewApp initializes the application from the environment.
func NewApp(ctx context.Context) *App {
	cfg, c := Bootstrap(ctx)
	return New(cfg, c)
}

// New builds the router. The rate limiter is only installed when
// cfg.RateLimitEnabled is set.
func New(cfg Config, c *Components) *App {
	a := &App{
		notifyHandler:   handler.NewNotifyHandler(cfg.APIKey, cfg.TestPhone, c.Formatter, c.Resolver, c.Dispatcher, c.EventLog),
		statusHandler:   handler.NewStatusHandler(c.WhatsApp, c.Store),
		logsHandler:     handler.NewLogsHandler(cfg.APIKey, c.EventLog),
		messagesHandler: handler.NewMessagesHandler(cfg.APIKey, c.WhatsApp),
	}
	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.New(c.Store, cfg.RateLimit)
		log.Info().Msg("Rate limiting enabled for /webhook and /test")
	}
	return a
}

type handlerFunc func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// HandleRequest routes API Gateway requests to the appropriate handler.
// It is the only place a handler error or panic becomes a 500.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	path := req.Path
	method := req.HTTPMethod

	requestID := req.RequestContext.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := log.With().Str("requestId", requestID).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Str("method", method).Str("path", path).Msg("Request")

	// CORS Preflight
	if method == http.MethodOptions {
		return corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Handler panicked")
			resp, err = corsResponse(internalError(ctx, fmt.Errorf("%v", r))), nil
		}
	}()

	var h handlerFunc
	limited := false
	switch path {
	case "/":
		h = app.statusHandler.Root
	case "/webhook":
		h, limited = app.notifyHandler.Webhook, true
	case "/test":
		h, limited = app.notifyHandler.Test, true
	case "/status":
		h = app.statusHandler.Status
	case "/logs":
		h = app.logsHandler.Logs
	case "/stats":
		if method != http.MethodGet {
			r, rErr := handler.Error(http.StatusMethodNotAllowed, "Method Not Allowed")
			return corsResponse(must(ctx, r, rErr)), nil
		}
		h = app.logsHandler.Stats
	case "/message-status":
		if method != http.MethodGet {
			r, rErr := handler.Error(http.StatusMethodNotAllowed, "Method Not Allowed")
			return corsResponse(must(ctx, r, rErr)), nil
		}
		h = app.messagesHandler.Status
	case "/notify":
		if method != http.MethodPost {
			r, rErr := handler.Error(http.StatusMethodNotAllowed, "Method Not Allowed")
			return corsResponse(must(ctx, r, rErr)), nil
		}
		h = app.notifyHandler.Notify
	default:
		r, rErr := handler.Error(http.StatusNotFound, "Not Found")
		return corsResponse(must(ctx, r, rErr)), nil
	}

	if limited && app.limiter != nil {
		ip := handler.SourceIP(req)
		ok, err := app.limiter.Allow(ctx, ip)
		if err != nil {
			return corsResponse(internalError(ctx, err)), nil
		}
		if !ok {
			logger.Warn().Str("sourceIp", ip).Msg("Rate limit exceeded")
			r, rErr := handler.Error(http.StatusTooManyRequests, "Too Many Requests")
			return corsResponse(must(ctx, r, rErr)), nil
		}
	}

	r, rErr := h(ctx, req)
	return corsResponse(must(ctx, r, rErr)), nil
}

// corsResponse adds the permissive CORS headers every response carries.
func corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = "*"
	resp.Headers["Access-Control-Allow-Methods"] = "GET, POST, OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type, Authorization"
	resp.Headers["Content-Type"] = "application/json"
	return resp
}

// must turns a handler error into the generic 500 response.
func must(ctx context.Context, resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		return internalError(ctx, err)
	}
	return resp
}

// internalError carries the raw error text, as callers rely on it to debug
// bad payloads.
func internalError(ctx context.Context, err error) events.APIGatewayProxyResponse {
	log.Ctx(ctx).Error().Err(err).Msg("Handler error")
	resp, encErr := handler.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Internal Server Error",
		"message": err.Error(),
	})
	if encErr != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"Internal Server Error"}`}
	}
	return resp
}
