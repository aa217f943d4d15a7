// Package notification models the structured events the consultation
// service emits to counterparties and the dispatchers that deliver them.
// Delivery is best-effort: callers log dispatch errors and move on.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one notification addressed to a single recipient reference
// ("Patient/<id>", "Doctor/<id>" or "Admin").
type Event struct {
	Recipient   string            `json:"recipient"`
	TemplateKey string            `json:"template_key"`
	Payload     map[string]string `json:"payload"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Dispatcher hands an event to a delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// AdminRecipient addresses the admin review queue.
const AdminRecipient = "Admin"

// PatientRecipient formats a patient reference.
func PatientRecipient(id fmt.Stringer) string { return "Patient/" + id.String() }

// DoctorRecipient formats a doctor reference.
func DoctorRecipient(id fmt.Stringer) string { return "Doctor/" + id.String() }

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template renders an event into human-readable text.
type Template struct {
	Key     string `json:"key"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates keyed by template key.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with every consultation template registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtInTemplates {
		e.templates[t.Key] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Key] = t
}

// Has reports whether a template is registered for key.
func (e *TemplateEngine) Has(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[key]
	return ok
}

// Render performs {{key}} replacement using data. Placeholders without a
// value are left as-is.
func (e *TemplateEngine) Render(key string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[key]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", key)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Log Dispatcher
// ---------------------------------------------------------------------------

// LogDispatcher writes rendered events to the log. Used when no broker is configured.
type LogDispatcher struct {
	logger    zerolog.Logger
	templates *TemplateEngine
}

func NewLogDispatcher(logger zerolog.Logger, tpl *TemplateEngine) *LogDispatcher {
	return &LogDispatcher{logger: logger, templates: tpl}
}

func (d *LogDispatcher) Dispatch(_ context.Context, ev Event) error {
	subject, body, err := d.templates.Render(ev.TemplateKey, ev.Payload)
	if err != nil {
		return err
	}
	d.logger.Info().
		Str("recipient", ev.Recipient).
		Str("template", ev.TemplateKey).
		Str("subject", subject).
		Str("body", body).
		Msg("notification")
	return nil
}

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Recorder captures dispatched events. Set Fail to simulate a broken channel.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Fail   error
}

func (r *Recorder) Dispatch(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Fail
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByTemplate returns recorded events with the given template key.
func (r *Recorder) ByTemplate(key string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.TemplateKey == key {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
