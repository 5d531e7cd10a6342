package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (int, int64) {
	t.Helper()
	var got int64
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ContractorIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, got
}

func TestMiddleware_HeaderAndQuery(t *testing.T) {
	mw := Middleware(false, 0)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ContractorHeaderName, "42")
	code, id := serve(t, mw, req)
	if code != http.StatusNoContent || id != 42 {
		t.Fatalf("header: code=%d id=%d", code, id)
	}

	req = httptest.NewRequest(http.MethodGet, "/?contractor_id=7", nil)
	code, id = serve(t, mw, req)
	if code != http.StatusNoContent || id != 7 {
		t.Fatalf("query: code=%d id=%d", code, id)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	mw := Middleware(false, 0)
	for _, raw := range []string{"", "abc", "0", "-3"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if raw != "" {
			req.Header.Set(ContractorHeaderName, raw)
		}
		if code, _ := serve(t, mw, req); code != http.StatusUnauthorized {
			t.Errorf("contractor %q: expected 401, got %d", raw, code)
		}
	}
}

func TestMiddleware_DevFallback(t *testing.T) {
	mw := Middleware(true, 1)

	code, id := serve(t, mw, httptest.NewRequest(http.MethodGet, "/", nil))
	if code != http.StatusNoContent || id != 1 {
		t.Fatalf("dev fallback: code=%d id=%d", code, id)
	}

	// An explicit but malformed id is still rejected in dev mode.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ContractorHeaderName, "nope")
	if code, _ := serve(t, mw, req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"S1", "S1", true},
		{"  sess-2026.10:17_a ", "sess-2026.10:17_a", true},
		{"", "", false},
		{"../etc/passwd", "", false},
		{"has space", "", false},
	}
	for _, tc := range cases {
		got, ok := SanitizeSessionID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SanitizeSessionID(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
