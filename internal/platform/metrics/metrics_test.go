package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// counterValue reads a counter from the registry by name and label values.
func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.GrantTransition("approve", "ok")
	r.GrantTransition("approve", "ok")
	r.GrantTransition("deny", "conflict")
	r.TokenOp("revoke", 3)
	r.TokenOp("revoke", 0)
	r.TokenValidation("expired")
	r.NotificationJob("completed")
	r.NotificationJobs("reclaimed", 2)
	r.NotificationJobs("reclaimed", 0)
	r.AccessDecision("denied", "insufficient_scope")

	if got := counterValue(t, r, "consent_grant_transitions_total", map[string]string{"action": "approve", "outcome": "ok"}); got != 2 {
		t.Errorf("approve transitions = %v, want 2", got)
	}
	if got := counterValue(t, r, "consent_tokens_total", map[string]string{"op": "revoke"}); got != 3 {
		t.Errorf("revoked tokens = %v, want 3", got)
	}
	if got := counterValue(t, r, "consent_notification_jobs_total", map[string]string{"result": "reclaimed"}); got != 2 {
		t.Errorf("reclaimed jobs = %v, want 2", got)
	}
	if got := counterValue(t, r, "consent_access_decisions_total", map[string]string{"result": "denied", "reason": "insufficient_scope"}); got != 1 {
		t.Errorf("denied decisions = %v, want 1", got)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.GrantTransition("approve", "ok")
	r.TokenOp("issue", 1)
	r.TokenValidation("valid")
	r.NotificationJob("failed")
	r.AccessDecision("granted", "")

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := r.Middleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecorder_HandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.TokenValidation("valid")

	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/metrics", echo.WrapHandler(r.Handler()))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `consent_token_validations_total{result="valid"} 1`) {
		t.Errorf("expected token validation counter in output")
	}
}
