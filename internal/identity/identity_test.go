package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		devQuery   bool
		firm, user string
		query      string
		wantStatus int
		wantFirm   string
	}{
		{"headers", false, "firm-1", "user-1", "", http.StatusOK, "firm-1"},
		{"missing user", false, "firm-1", "", "", http.StatusUnauthorized, ""},
		{"invalid firm", false, "firm 1/../", "user-1", "", http.StatusUnauthorized, ""},
		{"query ignored outside dev", false, "", "", "?firm_id=f&user_id=u", http.StatusUnauthorized, ""},
		{"query in dev", true, "", "", "?firm_id=f&user_id=u", http.StatusOK, "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotFirm string
			h := Middleware(tt.devQuery)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, ok := FromContext(r.Context())
				if !ok {
					t.Fatal("principal missing from context")
				}
				gotFirm = p.FirmID
			}))

			r := httptest.NewRequest(http.MethodGet, "/api/tasks"+tt.query, nil)
			if tt.firm != "" {
				r.Header.Set(FirmHeaderName, tt.firm)
			}
			if tt.user != "" {
				r.Header.Set(UserHeaderName, tt.user)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotFirm != tt.wantFirm {
				t.Fatalf("firm = %q, want %q", gotFirm, tt.wantFirm)
			}
		})
	}
}
