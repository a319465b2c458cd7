package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/model"
)

// RecipientsKey holds the externally managed []model.Recipient.
const RecipientsKey = "recipients"

// DocumentsTag marks recipients that receive PDF shares.
const DocumentsTag = "documents"

// RecipientResolver picks the phone numbers an event is sent to.
type RecipientResolver struct {
	store    kv.Store
	defaults []string
}

// NewRecipientResolver creates a resolver. defaults is the comma separated
// DEFAULT_RECIPIENTS value used while no list is stored.
func NewRecipientResolver(store kv.Store, defaults string) *RecipientResolver {
	return &RecipientResolver{store: store, defaults: SplitRecipients(defaults)}
}

// SplitRecipients splits a comma separated list, dropping blanks.
func SplitRecipients(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Defaults returns the configured fallback recipients.
func (r *RecipientResolver) Defaults() []string {
	return r.defaults
}

// Resolve returns the phones for p. The stored list is reloaded on every
// call. Without a stored list (or a stored null) the defaults are returned
// unfiltered; a stored empty list means nobody.
func (r *RecipientResolver) Resolve(ctx context.Context, p model.NotificationPayload) ([]string, error) {
	var recipients []model.Recipient
	_, err := kv.GetJSON(ctx, r.store, RecipientsKey, &recipients)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	if recipients == nil {
		return append([]string(nil), r.defaults...), nil
	}

	pdf := strings.Contains(p.FileType, "pdf")
	phones := []string{}
	for _, rc := range recipients {
		if !rc.Active {
			continue
		}
		if pdf && !rc.HasTag(DocumentsTag) {
			continue
		}
		phones = append(phones, rc.Phone)
	}
	return phones, nil
}
