// Command scheduler is the Lambda behind the daily EventBridge rule. It
// stores today's stats and sends the summary to ADMIN_PHONE.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/jun/gdrive-notifier/internal/app"
	"github.com/jun/gdrive-notifier/internal/eventlog"
	"github.com/jun/gdrive-notifier/internal/logging"
)

type job struct {
	reporter *eventlog.Reporter
}

func (j *job) handle(ctx context.Context, event events.CloudWatchEvent) error {
	log.Info().Str("rule", firstResource(event)).Time("scheduledAt", event.Time).Msg("Daily report triggered")

	stats, err := j.reporter.RunDaily(ctx)
	if err != nil {
		log.Error().Err(err).Str("date", stats.Date).Msg("Daily report failed")
		return err
	}
	return nil
}

func firstResource(event events.CloudWatchEvent) string {
	if len(event.Resources) > 0 {
		return event.Resources[0]
	}
	return ""
}

func main() {
	logging.Init()
	_, c := app.Bootstrap(context.Background())
	j := &job{reporter: c.Reporter}
	lambda.Start(j.handle)
}
