package generichttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
)

func TestSubMuxSanitize(t *testing.T) {
	for in, exp := range map[string]string{
		"lab/th260":    "/lab/th260",
		"/lab/th260/":  "/lab/th260",
		"/lab/th260/*": "/lab/th260",
		"th260pcie0":   "/th260pcie0",
	} {
		if got := SubMuxSanitize(in); got != exp {
			t.Errorf("%q: expected %q, got %q", in, exp, got)
		}
	}
}

func TestBindAndEndpoints(t *testing.T) {
	hit := ""
	rt := RouteTable{
		MethodPath{Method: http.MethodGet, Path: "/b"}:  func(w http.ResponseWriter, r *http.Request) { hit = "get b" },
		MethodPath{Method: http.MethodPost, Path: "/b"}: func(w http.ResponseWriter, r *http.Request) { hit = "post b" },
		MethodPath{Method: http.MethodGet, Path: "/a"}:  GetInt(func() (int, error) { return 7, nil }),
	}
	if diff := cmp.Diff([]string{"/a", "/b"}, rt.Endpoints()); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/b", nil))
	if hit != "post b" {
		t.Errorf("POST /b reached %q", hit)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a", nil))
	if w.Body.String() != "{\"int\":7}\n" {
		t.Errorf("GET /a returned %q", w.Body.String())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/a", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /a: expected 405, got %d", w.Code)
	}
}
