package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		limit  int
		offset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"custom", "?limit=50&offset=10", 50, 10},
		{"limit capped", "?limit=500", MaxLimit, 0},
		{"negative offset", "?offset=-5", DefaultLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", DefaultLimit, 0},
		{"zero limit", "?limit=0", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(tt.query)
			if p.Limit != tt.limit {
				t.Errorf("limit = %d, want %d", p.Limit, tt.limit)
			}
			if p.Offset != tt.offset {
				t.Errorf("offset = %d, want %d", p.Offset, tt.offset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, 2, 0)
	if !r.HasMore {
		t.Error("expected has_more")
	}
	if r.Next == nil || *r.Next != 2 {
		t.Errorf("next offset = %v, want 2", r.Next)
	}

	last := NewResponse([]int{5}, 5, 2, 4)
	if last.HasMore || last.Next != nil {
		t.Error("last page must not advertise a next page")
	}
}
