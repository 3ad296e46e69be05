package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	l := New()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := l.Check(ok)
	cases := []struct {
		method, path string
		locked       int
	}{
		{http.MethodPost, "/mapping", http.StatusLocked},
		{http.MethodGet, "/read", http.StatusLocked},
		{http.MethodGet, "/serial", http.StatusOK},
		{http.MethodPost, "/lock", http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s %s unlocked: got %d", tc.method, tc.path, w.Code)
		}
	}
	l.Lock()
	for _, tc := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.locked {
			t.Errorf("%s %s locked: expected %d, got %d", tc.method, tc.path, tc.locked, w.Code)
		}
	}
}

func TestHTTPSet(t *testing.T) {
	l := New()
	w := httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": true}`)))
	if !l.Locked() {
		t.Error("expected locked")
	}
	w = httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if body := strings.TrimSpace(w.Body.String()); body != `{"bool":true}` {
		t.Errorf("got %s", body)
	}
	w = httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`nope`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
