package notification

import (
	"strings"
	"testing"
)

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:    "test-tpl",
		Name:  "Test Template",
		Title: "Hello {{name}}",
		Body:  "Dear {{name}}, your code is {{code}}.",
	})

	title, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if title != "Hello Alice" {
		t.Errorf("title = %q, want %q", title, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"organization_name": "City Clinic",
		"practitioner_name": "Dr. Okafor",
		"subject_name":      "Li Wei",
		"scopes":            "canViewMedicalHistory",
		"hours":             "24",
		"expires_at":        "2026-01-02T00:00:00Z",
		"reason":            "treatment finished",
	}
	for _, id := range []string{TemplateAuthorizationRequest, TemplateAuthorizationApproved, TemplateAuthorizationRevoked} {
		title, body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
			continue
		}
		if strings.Contains(title+body, "{{") {
			t.Errorf("template %q left placeholders: %q / %q", id, title, body)
		}
	}
}

func TestTemplateEngine_UnknownPlaceholderKept(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, _ := eng.Render(TemplateAuthorizationRevoked, map[string]string{"organization_name": "X"})
	if !strings.Contains(body, "{{reason}}") {
		t.Errorf("missing key should be left as-is, got %q", body)
	}
}
