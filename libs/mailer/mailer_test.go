package mailer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

type recordingProvider struct {
	sent []Message
	err  error
}

func (r *recordingProvider) Name() string { return "recording" }

func (r *recordingProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	r.sent = append(r.sent, msg)
	if r.err != nil {
		return SendResult{}, r.err
	}
	return SendResult{ProviderMessageID: "rec-1"}, nil
}

func TestLogProviderSend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	provider := NewLogProvider(logger)

	msg := Message{
		From:        "signalements@example.org",
		To:          []string{"voirie@mairie-exemple.fr"},
		Subject:     "Dépôt sauvage signalé",
		Text:        "Un dépôt a été signalé.",
		Attachments: []Attachment{{Filename: "dossier.pdf", Content: []byte("%PDF-1.3")}},
	}

	result, err := provider.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("LogProvider.Send() error = %v", err)
	}
	if !strings.HasPrefix(result.ProviderMessageID, "log-") {
		t.Errorf("LogProvider.Send() message ID = %v, want prefix 'log-'", result.ProviderMessageID)
	}
}

func TestMailerSendFillsDefaultFrom(t *testing.T) {
	provider := &recordingProvider{}
	m := New(provider, "default@example.org")

	if _, err := m.Send(context.Background(), Message{To: []string{"a@example.org"}, Subject: "x"}); err != nil {
		t.Fatalf("Mailer.Send() error = %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(provider.sent))
	}
	if provider.sent[0].From != "default@example.org" {
		t.Errorf("From = %q, want default address", provider.sent[0].From)
	}

	if _, err := m.Send(context.Background(), Message{From: "custom@example.org", To: []string{"a@example.org"}}); err != nil {
		t.Fatalf("Mailer.Send() error = %v", err)
	}
	if provider.sent[1].From != "custom@example.org" {
		t.Errorf("From = %q, want explicit address kept", provider.sent[1].From)
	}
}

func TestMailerSendRejectsEmptyRecipients(t *testing.T) {
	provider := &recordingProvider{}
	m := New(provider, "default@example.org")

	_, err := m.Send(context.Background(), Message{Subject: "x"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	if len(provider.sent) != 0 {
		t.Fatal("provider must not be called without recipients")
	}
}

func TestMailerPropagatesProviderError(t *testing.T) {
	provider := &recordingProvider{err: errors.New("quota exceeded")}
	m := New(provider, "default@example.org")

	if _, err := m.Send(context.Background(), Message{To: []string{"a@example.org"}}); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestProviderNames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if got := New(NewLogProvider(logger), "x@example.org").ProviderName(); got != "log" {
		t.Errorf("ProviderName() = %v, want 'log'", got)
	}
	if got := NewResendProvider("fake-api-key").Name(); got != "resend" {
		t.Errorf("ResendProvider.Name() = %v, want 'resend'", got)
	}
}
