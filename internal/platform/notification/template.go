package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in template ids.
const (
	TemplateAuthorizationRequest  = "authorization-request"
	TemplateAuthorizationApproved = "authorization-approved"
	TemplateAuthorizationRevoked  = "authorization-revoked"
)

// Template defines a reusable notification title and body.
type Template struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
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
			ID:    TemplateAuthorizationRequest,
			Name:  "Authorization Request",
			Title: "{{organization_name}} requests access to your records",
			Body:  "{{practitioner_name}} at {{organization_name}} is asking for access to: {{scopes}} for {{hours}} hours. Open the app to approve or deny.",
		},
		{
			ID:    TemplateAuthorizationApproved,
			Name:  "Authorization Approved",
			Title: "Access approved",
			Body:  "{{subject_name}} approved access for {{organization_name}} until {{expires_at}}.",
		},
		{
			ID:    TemplateAuthorizationRevoked,
			Name:  "Authorization Revoked",
			Title: "Access to your records was revoked",
			Body:  "Access for {{organization_name}} was revoked. Reason: {{reason}}",
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
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	title = t.Title
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}
