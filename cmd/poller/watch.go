package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/drive/v3"

	"github.com/jun/gdrive-notifier/internal/drivewatch"
)

type changeSource interface {
	Init(ctx context.Context) bool
	IsAuthenticated(ctx context.Context) bool
	CheckForChanges(ctx context.Context) ([]*drive.Change, error)
}

type changeSink interface {
	Forward(ctx context.Context, changes []*drive.Change) drivewatch.ForwardResult
}

// watch polls until ctx is cancelled or the session expires.
func watch(ctx context.Context, src changeSource, sink changeSink, interval time.Duration) error {
	if !src.Init(ctx) {
		return drivewatch.ErrUnauthenticated
	}
	log.Info().Dur("interval", interval).Msg("Watching Google Drive for changes")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch stopped")
			return nil
		case <-ticker.C:
			if err := poll(ctx, src, sink); err != nil {
				return err
			}
		}
	}
}

// poll runs one check. A failed Drive call is logged and retried on the next
// tick; an expired session ends the watch.
func poll(ctx context.Context, src changeSource, sink changeSink) error {
	if !src.IsAuthenticated(ctx) {
		return drivewatch.ErrUnauthenticated
	}
	changes, err := src.CheckForChanges(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Change check failed")
		return nil
	}
	if len(changes) == 0 {
		return nil
	}
	res := sink.Forward(ctx, changes)
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("Changes forwarded")
	return nil
}
