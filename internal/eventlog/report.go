package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jun/gdrive-notifier/internal/model"
	"github.com/rs/zerolog/log"
)

// Sender delivers a single text message; *notify.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, recipient, message, thumbnailURL string) model.SendResult
}

// ReportFormatter renders the administrator summary.
type ReportFormatter interface {
	FormatDailyReport(stats model.DailyStats) string
}

// Reporter is the scheduled daily job.
type Reporter struct {
	log        *Log
	formatter  ReportFormatter
	sender     Sender
	adminPhone string
}

// NewReporter creates a Reporter. With an empty adminPhone no summary is sent.
func NewReporter(l *Log, formatter ReportFormatter, sender Sender, adminPhone string) *Reporter {
	return &Reporter{log: l, formatter: formatter, sender: sender, adminPhone: adminPhone}
}

// RunDaily computes today's stats from the full log, stores them under
// stats_<date> and optionally sends a summary to the administrator.
func (r *Reporter) RunDaily(ctx context.Context) (model.DailyStats, error) {
	today := r.log.Today()

	entries, err := r.log.Entries(ctx)
	if err != nil {
		return model.DailyStats{}, fmt.Errorf("load event log: %w", err)
	}

	stats := ComputeDailyStats(entries, today)
	if err := r.log.SaveStats(ctx, stats); err != nil {
		return stats, fmt.Errorf("save stats for %s: %w", today, err)
	}
	log.Ctx(ctx).Info().
		Str("date", stats.Date).
		Int("totalEvents", stats.TotalEvents).
		Int("fileShares", stats.FileShares).
		Int("folderShares", stats.FolderShares).
		Msg("Daily stats stored")

	if r.adminPhone == "" {
		return stats, nil
	}
	res := r.sender.Send(ctx, r.adminPhone, r.formatter.FormatDailyReport(stats), "")
	if !res.Success {
		return stats, fmt.Errorf("send daily report: %w", errors.New(res.Error))
	}
	return stats, nil
}
