package drivewatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/drive/v3"

	"github.com/jun/gdrive-notifier/internal/model"
)

// FolderMimeType is Drive's MIME type for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// Forwarder posts Drive changes to the notifier's /webhook endpoint.
type Forwarder struct {
	webhookURL string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewForwarder creates a Forwarder. A nil httpClient uses a 30s timeout.
func NewForwarder(webhookURL, apiKey string, httpClient *http.Client) *Forwarder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Forwarder{
		webhookURL: webhookURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// ForwardResult counts the outcome of one batch.
type ForwardResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// PayloadFor builds the webhook payload for a change. ok is false unless the
// change is a file someone else shared with the user: removals, the user's
// own files and changes without a sharer are skipped.
func PayloadFor(c *drive.Change, now time.Time) (model.NotificationPayload, bool) {
	if c == nil || c.File == nil {
		return model.NotificationPayload{}, false
	}
	f := c.File
	if f.OwnedByMe || f.SharingUser == nil {
		return model.NotificationPayload{}, false
	}

	eventType := model.EventFileShared
	if f.MimeType == FolderMimeType {
		eventType = model.EventFolderShared
	}
	sharedBy := f.SharingUser.EmailAddress
	if sharedBy == "" {
		sharedBy = f.SharingUser.DisplayName
	}
	owner := ""
	if len(f.Owners) > 0 && f.Owners[0] != nil {
		owner = f.Owners[0].EmailAddress
	}

	return model.NotificationPayload{
		EventType: eventType,
		FileID:    f.Id,
		FileName:  f.Name,
		FileType:  f.MimeType,
		FileURL:   f.WebViewLink,
		FileSize:  f.Size,
		Owner:     owner,
		SharedBy:  sharedBy,
		Timestamp: now.UTC().Format(time.RFC3339),
	}, true
}

// Forward posts every change PayloadFor accepts. A failed post is logged and
// counted; it does not stop the batch.
func (f *Forwarder) Forward(ctx context.Context, changes []*drive.Change) ForwardResult {
	var res ForwardResult
	for _, c := range changes {
		p, ok := PayloadFor(c, f.now())
		if !ok {
			res.Skipped++
			continue
		}
		if err := f.post(ctx, p); err != nil {
			log.Error().Err(err).Str("fileId", p.FileID).Msg("Failed to forward change")
			res.Failed++
			continue
		}
		log.Info().Str("fileId", p.FileID).Str("eventType", p.EventType).Msg("Change forwarded")
		res.Sent++
	}
	return res
}

func (f *Forwarder) post(ctx context.Context, p model.NotificationPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
