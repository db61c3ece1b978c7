// Package notification renders reminder and escalation messages from
// localized templates before they are handed to the delivery layer.
package notification

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

// DefaultLocale is used when a template has no variant for the requested locale.
const DefaultLocale = "en"

// KindEscalation is the template kind for alerts sent to the responsible doctor.
const KindEscalation = "escalation"

var (
	// ErrTemplateNotFound is returned by Render for an unregistered template id.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrEmptyMessage is returned when neither a template nor the reminder's
	// own title and message produce any text.
	ErrEmptyMessage = errors.New("nothing to render")
)

// Template is one localized message layout. Placeholders are {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateID builds the id a (kind, locale) pair is registered under.
func TemplateID(kind, locale string) string {
	return kind + "." + locale
}

// TemplateEngine holds templates and renders them with data.
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

// Has reports whether a template is registered under id.
func (e *TemplateEngine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[id]
	return ok
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
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

// Request is everything needed to render one message.
type Request struct {
	Kind    string
	Locale  string
	Title   string
	Message string
	Details map[string]string
}

func (r Request) data() map[string]string {
	out := make(map[string]string, len(r.Details)+2)
	for k, v := range r.Details {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	if r.Title != "" {
		out["title"] = r.Title
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	return out
}

// RenderMessage picks the template for (kind, locale), falling back to the
// default locale and then to the request's own title and message. Body lines
// whose placeholders have no value are dropped.
func (e *TemplateEngine) RenderMessage(req Request) (delivery.Message, error) {
	id := ""
	for _, loc := range []string{strings.ToLower(req.Locale), DefaultLocale} {
		if loc != "" && e.Has(TemplateID(req.Kind, loc)) {
			id = TemplateID(req.Kind, loc)
			break
		}
	}

	if id == "" {
		msg := delivery.Message{Title: req.Title, Body: req.Message}
		if msg.Body == "" {
			msg.Body = req.Title
		}
		if msg.Body == "" {
			return delivery.Message{}, fmt.Errorf("%w: %s reminder has no title or message", ErrEmptyMessage, req.Kind)
		}
		return msg, nil
	}

	subject, body, err := e.Render(id, req.data())
	if err != nil {
		return delivery.Message{}, err
	}
	if unresolved(subject) {
		subject = req.Title
	}
	body = dropUnresolvedLines(body)
	if body == "" {
		return delivery.Message{}, fmt.Errorf("%w: template %q", ErrEmptyMessage, id)
	}
	return delivery.Message{Title: subject, Body: body}, nil
}

func unresolved(s string) bool {
	return strings.Contains(s, "{{")
}

func dropUnresolvedLines(body string) string {
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !unresolved(l) {
			kept = append(kept, l)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
