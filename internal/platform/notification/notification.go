// Package notification renders and delivers outbound email. Delivery is
// fire-and-forget: callers hand a Message to a Dispatcher and never wait
// for the mail server.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is a single outbound email.
type Message struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	TemplateID string `json:"template_id,omitempty"`
}

// EmailSender delivers a message synchronously.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Message) error
}

// Dispatcher accepts a message for delivery without blocking the caller on
// the outcome. Failures are logged, never returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const (
	TemplateEmailVerification    = "email-verification"
	TemplateWelcome              = "welcome"
	TemplateAppointmentCreated   = "appointment-created"
	TemplateAppointmentConfirmed = "appointment-confirmed"
	TemplateAppointmentCancelled = "appointment-cancelled"
)

// Template defines a reusable email template with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateEmailVerification,
			Subject: "Verify your email address",
			Body: "Hello {{name}},\r\n\r\nYour verification code is {{code}}. " +
				"It expires in {{expiry_minutes}} minutes.\r\n",
		},
		{
			ID:      TemplateWelcome,
			Subject: "Welcome to the clinic",
			Body:    "Hello {{name}},\r\n\r\nYour account is ready. You can now book appointments online.\r\n",
		},
		{
			ID:      TemplateAppointmentCreated,
			Subject: "Appointment requested for {{date}}",
			Body: "Hello {{name}},\r\n\r\nWe received your appointment request with {{doctor}} " +
				"on {{date}} at {{time}}. It is pending confirmation.\r\n",
		},
		{
			ID:      TemplateAppointmentConfirmed,
			Subject: "Appointment confirmed for {{date}}",
			Body: "Hello {{name}},\r\n\r\nYour appointment with {{doctor}} on {{date}} at {{time}} " +
				"is confirmed.\r\n",
		},
		{
			ID:      TemplateAppointmentCancelled,
			Subject: "Appointment cancelled",
			Body: "Hello {{name}},\r\n\r\nYour appointment with {{doctor}} on {{date}} at {{time}} " +
				"was cancelled. Reason: {{reason}}\r\n",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Compose renders templateID into a Message addressed to to.
func (e *TemplateEngine) Compose(templateID, to string, data map[string]string) (Message, error) {
	subject, body, err := e.Render(templateID, data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Body: body, TemplateID: templateID}, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes messages to the log instead of a mail server. Used in
// development when no SMTP host is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, msg Message) error {
	s.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("template", msg.TemplateID).
		Msg("email (log sender)")
	s.logger.Debug().Str("to", msg.To).Str("body", msg.Body).Msg("email body")
	return nil
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []Message
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded messages.
func (m *MockEmailSender) Calls() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.calls))
	copy(out, m.calls)
	return out
}

// SyncDispatcher delivers inline and logs failures. Tests use it to observe
// dispatched mail deterministically.
type SyncDispatcher struct {
	Sender EmailSender
	Logger zerolog.Logger
}

func (d SyncDispatcher) Dispatch(ctx context.Context, msg Message) {
	if err := d.Sender.SendEmail(ctx, msg); err != nil {
		d.Logger.Error().Err(err).Str("to", msg.To).Str("template", msg.TemplateID).Msg("email delivery failed")
	}
}

// Recipient is the addressee of a templated email.
type Recipient struct {
	Email string
	Name  string
}

// Directory resolves a user id to an email recipient.
type Directory interface {
	Recipient(ctx context.Context, userID uuid.UUID) (Recipient, error)
}

// Notifier renders a template and hands the message to a Dispatcher. A nil
// Notifier discards everything.
type Notifier struct {
	templates  *TemplateEngine
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewNotifier(templates *TemplateEngine, dispatcher Dispatcher, logger zerolog.Logger) *Notifier {
	return &Notifier{templates: templates, dispatcher: dispatcher, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, templateID, to string, data map[string]string) {
	if n == nil || to == "" {
		return
	}
	msg, err := n.templates.Compose(templateID, to, data)
	if err != nil {
		n.logger.Error().Err(err).Str("template", templateID).Msg("compose email")
		return
	}
	n.dispatcher.Dispatch(ctx, msg)
}
