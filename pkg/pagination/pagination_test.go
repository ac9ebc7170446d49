package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, DefaultLimit, 0},
		{-5, -5, DefaultLimit, 0},
		{50, 10, 50, 10},
		{500, 0, MaxLimit, 0},
	}
	for _, c := range cases {
		p := Clamp(c.limit, c.offset)
		if p.Limit != c.wantLimit || p.Offset != c.wantOffset {
			t.Errorf("Clamp(%d, %d) = %+v, want limit %d offset %d",
				c.limit, c.offset, p, c.wantLimit, c.wantOffset)
		}
	}
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?limit=30&offset=60", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	p := FromContext(c)
	if p.Limit != 30 || p.Offset != 60 {
		t.Errorf("FromContext = %+v, want limit 30 offset 60", p)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2, 3}, 10, 3, 0)
	if !r.HasMore {
		t.Error("expected more pages")
	}
	r = NewResponse([]int{1}, 10, 3, 9)
	if r.HasMore {
		t.Error("expected last page")
	}
}
