package notify

import (
	"context"

	"github.com/jun/gdrive-notifier/internal/model"
	"github.com/jun/gdrive-notifier/internal/whatsapp"
	"github.com/rs/zerolog/log"
)

// Sender delivers one WhatsApp message to an already normalized number and
// returns the provider's message id.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendImage(ctx context.Context, to, link, caption string) (string, error)
	SendTemplate(ctx context.Context, to, name, languageCode string, components []whatsapp.TemplateComponent) (string, error)
}

// Template names a pre-approved WhatsApp template and its parameters.
type Template struct {
	Name       string                       `json:"name"`
	Language   string                       `json:"language,omitempty"`
	Components []whatsapp.TemplateComponent `json:"components,omitempty"`
}

// Dispatcher sends a message to a batch of recipients.
type Dispatcher struct {
	sender Sender
}

func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Send delivers message to one recipient. A thumbnail turns the message
// into an image with the text as caption.
func (d *Dispatcher) Send(ctx context.Context, recipient, message, thumbnailURL string) model.SendResult {
	return d.deliver(ctx, recipient, func(to string) (string, error) {
		if thumbnailURL != "" {
			return d.sender.SendImage(ctx, to, thumbnailURL, message)
		}
		return d.sender.SendText(ctx, to, message)
	})
}

// SendAll sends to each recipient in order, waiting for each call before
// the next. A failed recipient is recorded and the batch continues.
func (d *Dispatcher) SendAll(ctx context.Context, recipients []string, message, thumbnailURL string) []model.SendResult {
	return d.each(ctx, recipients, func(r string) model.SendResult {
		return d.Send(ctx, r, message, thumbnailURL)
	})
}

// SendTemplateAll is SendAll for a template message.
func (d *Dispatcher) SendTemplateAll(ctx context.Context, recipients []string, t Template) []model.SendResult {
	return d.each(ctx, recipients, func(r string) model.SendResult {
		return d.deliver(ctx, r, func(to string) (string, error) {
			return d.sender.SendTemplate(ctx, to, t.Name, t.Language, t.Components)
		})
	})
}

func (d *Dispatcher) deliver(ctx context.Context, recipient string, send func(to string) (string, error)) model.SendResult {
	id, err := send(NormalizePhoneNumber(recipient))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("recipient", recipient).Msg("WhatsApp send failed")
		return model.SendResult{Recipient: recipient, Success: false, Error: err.Error()}
	}
	return model.SendResult{Recipient: recipient, Success: true, MessageID: id}
}

func (d *Dispatcher) each(ctx context.Context, recipients []string, send func(string) model.SendResult) []model.SendResult {
	results := make([]model.SendResult, 0, len(recipients))
	failed := 0
	for _, r := range recipients {
		res := send(r)
		if !res.Success {
			failed++
		}
		results = append(results, res)
	}
	log.Ctx(ctx).Info().Int("recipients", len(results)).Int("failed", failed).Msg("Dispatched notifications")
	return results
}
