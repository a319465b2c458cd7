package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/gdrive-notifier/internal/eventlog"
	"github.com/jun/gdrive-notifier/internal/handler"
	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/kv/memory"
	"github.com/jun/gdrive-notifier/internal/model"
	"github.com/jun/gdrive-notifier/internal/notify"
	"github.com/jun/gdrive-notifier/internal/whatsapp"
)

const testAPIKey = "test-api-key"

func makeRequest(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Authorization": "Bearer " + testAPIKey,
			"Content-Type":  "application/json",
		},
	}
}

type sent struct {
	to, body, link string
}

// fakeSender records sends and fails for numbers in failFor.
type fakeSender struct {
	sent    []sent
	failFor map[string]string
}

func (f *fakeSender) SendText(_ context.Context, to, body string) (string, error) {
	return f.record(to, body, "")
}

func (f *fakeSender) SendImage(_ context.Context, to, link, caption string) (string, error) {
	return f.record(to, caption, link)
}

func (f *fakeSender) SendTemplate(_ context.Context, to, name, _ string, _ []whatsapp.TemplateComponent) (string, error) {
	return f.record(to, "template:"+name, "")
}

func (f *fakeSender) record(to, body, link string) (string, error) {
	if reason, ok := f.failFor[to]; ok {
		return "", errors.New(reason)
	}
	f.sent = append(f.sent, sent{to: to, body: body, link: link})
	return "wamid." + to, nil
}

type fixture struct {
	store  *memory.Store
	sender *fakeSender
	log    *eventlog.Log
	notify *handler.NotifyHandler
	logs   *handler.LogsHandler
}

func newFixture(t *testing.T, defaults, testPhone string) *fixture {
	t.Helper()
	store := memory.NewStore()
	sender := &fakeSender{failFor: map[string]string{}}
	eventLog := eventlog.New(store)
	h := handler.NewNotifyHandler(
		testAPIKey,
		testPhone,
		notify.NewFormatter(nil),
		notify.NewRecipientResolver(store, defaults),
		notify.NewDispatcher(sender),
		eventLog,
	)
	return &fixture{
		store:  store,
		sender: sender,
		log:    eventLog,
		notify: h,
		logs:   handler.NewLogsHandler(testAPIKey, eventLog),
	}
}

func (f *fixture) setRecipients(t *testing.T, recipients []model.Recipient) {
	t.Helper()
	if err := kv.PutJSON(context.Background(), f.store, notify.RecipientsKey, recipients, 0); err != nil {
		t.Fatalf("seed recipients: %v", err)
	}
}

func decode(t *testing.T, resp events.APIGatewayProxyResponse) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatalf("Invalid JSON body %q: %v", resp.Body, err)
	}
	return body
}
