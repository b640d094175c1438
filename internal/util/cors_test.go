package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{name: "empty list allows any", origin: "http://a.test", method: http.MethodGet, wantOrigin: "*", wantStatus: http.StatusOK},
		{name: "listed origin echoed", allowed: []string{"http://a.test/"}, origin: "http://A.test", method: http.MethodGet, wantOrigin: "http://A.test", wantStatus: http.StatusOK},
		{name: "unlisted origin omitted", allowed: []string{"http://a.test"}, origin: "http://b.test", method: http.MethodGet, wantOrigin: "", wantStatus: http.StatusOK},
		{name: "preflight short circuits", allowed: []string{"*"}, origin: "http://b.test", method: http.MethodOptions, wantOrigin: "*", wantStatus: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/users", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			WithCORS(tc.allowed, next).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tc.wantOrigin)
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
