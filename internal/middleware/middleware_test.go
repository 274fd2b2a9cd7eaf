package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits bool
	}{
		{"explicit origin", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", true},
		{"wildcard", []string{"*"}, "https://other.example.com", "https://other.example.com", false},
		{"not allowed", []string{"https://app.example.com"}, "https://evil.example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			r := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCredits {
				t.Fatalf("credentials = %v, want %v", got, tt.wantCredits)
			}
			if w.Code != http.StatusOK {
				t.Fatalf("preflight status = %d", w.Code)
			}
		})
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("u") || !rl.Allow("u") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("u") {
		t.Fatal("third request inside the window should be limited")
	}
	if !rl.Allow("other") {
		t.Fatal("keys are independent")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("u") {
		t.Fatal("request after the window should pass")
	}

	now = now.Add(2 * time.Minute)
	if n := rl.Evict(); n != 2 {
		t.Fatalf("evicted %d keys, want 2", n)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	h := rl.Limit(func(r *http.Request) string { return r.Header.Get("X-User-ID") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }))

	codes := make([]int, 0, 3)
	for _, user := range []string{"u", "u", ""} {
		r := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
		if user != "" {
			r.Header.Set("X-User-ID", user)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusCreated, http.StatusTooManyRequests, http.StatusCreated}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}
