// Package notify turns a Drive share event into WhatsApp messages: it
// renders the text, resolves who should receive it and sends one message
// per recipient.
package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/jun/gdrive-notifier/internal/model"
)

const header = "🔔 *Google Drive 알림*\n\n"

// Values are interpolated verbatim; WhatsApp markup in file names is not
// escaped.
var templates = map[string]*template.Template{
	model.EventFileShared: template.Must(template.New(model.EventFileShared).Parse(
		header + "📁 새 파일이 공유되었습니다!\n\n" +
			"*파일명:* {{.FileName}}\n*공유자:* {{.Sharer}}\n*시간:* {{.When}}\n\n🔗 {{.FileURL}}")),
	model.EventFolderShared: template.Must(template.New(model.EventFolderShared).Parse(
		header + "📂 폴더가 공유되었습니다!\n\n" +
			"*폴더명:* {{.FileName}}\n*공유자:* {{.Sharer}}\n*시간:* {{.When}}\n\n🔗 {{.FileURL}}")),
	model.EventTestEvent: template.Must(template.New(model.EventTestEvent).Parse(
		"🧪 *테스트 알림*\n\nWhatsApp 연동이 정상 작동합니다!\n\n시간: {{.Now}}")),
}

var dailyReport = template.Must(template.New("daily_report").Parse(
	"📊 *일일 리포트*\n\n날짜: {{.Date}}\n총 이벤트: {{.TotalEvents}}\n파일 공유: {{.FileShares}}\n폴더 공유: {{.FolderShares}}"))

type view struct {
	FileName string
	FileURL  string
	Sharer   string
	When     string
	Now      string
}

// Formatter renders message templates with times in a fixed location.
type Formatter struct {
	loc *time.Location
}

// NewFormatter returns a Formatter rendering times in loc (UTC when nil).
func NewFormatter(loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{loc: loc}
}

// Format renders the message for p. Unknown event types use the
// file_shared template.
func (f *Formatter) Format(p model.NotificationPayload, now time.Time) string {
	tmpl, ok := templates[p.EventType]
	if !ok {
		tmpl = templates[model.EventFileShared]
	}

	sharer := p.SharedBy
	if sharer == "" {
		sharer = p.Owner
	}
	v := view{
		FileName: p.FileName,
		FileURL:  p.FileURL,
		Sharer:   sharer,
		When:     f.formatTimestamp(p.Timestamp),
		Now:      KoreanTime(now.In(f.loc)),
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, v); err != nil {
		// Templates are static and fields are plain strings.
		panic(fmt.Sprintf("notify: render %s: %v", tmpl.Name(), err))
	}
	return sb.String()
}

// FormatDailyReport renders the administrator summary for one day.
func (f *Formatter) FormatDailyReport(stats model.DailyStats) string {
	var sb strings.Builder
	if err := dailyReport.Execute(&sb, stats); err != nil {
		panic(fmt.Sprintf("notify: render daily report: %v", err))
	}
	return sb.String()
}

func (f *Formatter) formatTimestamp(ts string) string {
	t, err := ParseTimestamp(ts)
	if err != nil {
		return "Invalid Date"
	}
	return KoreanTime(t.In(f.loc))
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds, and
// bare dates.
func ParseTimestamp(ts string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
}

// KoreanTime formats t like the ko-KR locale: "2025. 1. 15. 오후 3:04:05".
func KoreanTime(t time.Time) string {
	meridiem := "오전"
	if t.Hour() >= 12 {
		meridiem = "오후"
	}
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("%d. %d. %d. %s %d:%02d:%02d",
		t.Year(), int(t.Month()), t.Day(), meridiem, hour, t.Minute(), t.Second())
}
