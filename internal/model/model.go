package model

import "time"

// Event types carried in NotificationPayload.EventType.
const (
	EventFileShared   = "file_shared"
	EventFolderShared = "folder_shared"
	EventTestEvent    = "test_event"
)

// NotificationPayload is the JSON body posted to /webhook.
type NotificationPayload struct {
	EventType    string   `json:"eventType"`
	FileID       string   `json:"fileId,omitempty"`
	FileName     string   `json:"fileName,omitempty"`
	FileType     string   `json:"fileType,omitempty"`
	FileURL      string   `json:"fileUrl,omitempty"`
	FileSize     int64    `json:"fileSize,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	SharedBy     string   `json:"sharedBy,omitempty"`
	Editors      []string `json:"editors,omitempty"`
	Viewers      []string `json:"viewers,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// Recipient is one entry of the externally managed "recipients" list.
type Recipient struct {
	Phone  string   `json:"phone"`
	Active bool     `json:"active"`
	Tags   []string `json:"tags,omitempty"`
}

// HasTag reports whether the recipient carries the given tag.
func (r Recipient) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// LogEntry is a derived subset of a payload kept in the capped event log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"eventType"`
	FileName  string `json:"fileName,omitempty"`
	FileID    string `json:"fileId,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// DailyStats aggregates the log entries of one UTC date.
type DailyStats struct {
	Date         string `json:"date"`
	TotalEvents  int    `json:"totalEvents"`
	FileShares   int    `json:"fileShares"`
	FolderShares int    `json:"folderShares"`
}

// SendResult is the outcome of one WhatsApp send within a batch.
type SendResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuthSession is the poll client's persisted Google sign-in.
type AuthSession struct {
	AccessToken   string    `json:"accessToken"`
	AuthTimestamp time.Time `json:"authTimestamp"`
	UserEmail     string    `json:"userEmail"`
	UserName      string    `json:"userName"`
}
