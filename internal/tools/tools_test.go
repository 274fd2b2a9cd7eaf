package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/gjson"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		tool string
		want Category
	}{
		{"get_matter", CategoryRead},
		{"search_hybrid", CategoryRead},
		{"create_document", CategoryArtifact},
		{"perform_legal_analysis", CategoryAnalysis},
		{"self_critique", CategoryReview},
		{"set_critical_deadline", CategoryFollowUp},
		{"unknown_tool", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			if got := CategoryOf(tt.tool); got != tt.want {
				t.Errorf("CategoryOf(%q) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	spec := domain.ToolSpec{
		Name: "create_document",
		Parameters: map[string]any{
			"name":          map[string]any{"type": "string"},
			"content":       map[string]any{"type": "string"},
			"self_reviewed": map[string]any{"type": "boolean"},
			"pages":         map[string]any{"type": "integer"},
			"kind":          map[string]any{"type": "string", "enum": []any{"memo", "letter"}},
		},
		Required: []string{"name", "content"},
	}

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"name":"Memo","content":"text","kind":"memo"}`, false},
		{"missing required", `{"name":"Memo"}`, true},
		{"wrong type", `{"name":"Memo","content":42}`, true},
		{"not integer", `{"name":"Memo","content":"x","pages":1.5}`, true},
		{"integer", `{"name":"Memo","content":"x","pages":3}`, false},
		{"enum miss", `{"name":"Memo","content":"x","kind":"brief"}`, true},
		{"not object", `["a"]`, true},
		{"invalid json", `{"name":`, true},
		{"undeclared extra key", `{"name":"Memo","content":"x","extra":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(spec, json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateArgs(%s) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestHTTPRegistryDescribeCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = io.WriteString(w, `{"tools":[{"name":"get_matter","description":"Load a matter","parameters":{"matter_id":{"type":"string"}},"required":["matter_id"]}]}`)
	}))
	defer srv.Close()

	reg, err := NewHTTPRegistry(HTTPRegistryConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRegistry: %v", err)
	}

	for i := 0; i < 3; i++ {
		specs, err := reg.Describe(context.Background())
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if len(specs) != 1 || specs[0].Name != "get_matter" || specs[0].Required[0] != "matter_id" {
			t.Fatalf("specs = %+v", specs)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("registry hit %d times, want 1", hits.Load())
	}
	if _, ok := Lookup(mustDescribe(t, reg), "get_matter"); !ok {
		t.Fatal("Lookup did not find get_matter")
	}
}

func mustDescribe(t *testing.T, reg *HTTPRegistry) []domain.ToolSpec {
	t.Helper()
	specs, err := reg.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	return specs
}

func TestHTTPRegistryInvoke(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools/get_matter/invoke":
			got, _ = io.ReadAll(r.Body)
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{"success":true,"output":{"id":"m-1","title":"Lease dispute"}}`)
		case "/tools/create_document/invoke":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"name is required"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	reg, err := NewHTTPRegistry(HTTPRegistryConfig{BaseURL: srv.URL, Token: "secret"}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRegistry: %v", err)
	}
	ic := InvocationContext{FirmID: "f1", UserID: "u1", TaskID: "t1"}

	res, err := reg.Invoke(context.Background(), "get_matter", json.RawMessage(`{"matter_id":"m-1"}`), ic)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || gjson.GetBytes(res.Output, "title").String() != "Lease dispute" {
		t.Fatalf("result = %+v", res)
	}
	if gjson.GetBytes(got, "args.matter_id").String() != "m-1" ||
		gjson.GetBytes(got, "context.firm_id").String() != "f1" ||
		gjson.GetBytes(got, "context.task_id").String() != "t1" {
		t.Fatalf("request body = %s", got)
	}

	res, err = reg.Invoke(context.Background(), "create_document", nil, ic)
	if err != nil {
		t.Fatalf("Invoke 4xx: %v", err)
	}
	if res.Success || gjson.GetBytes(res.Output, "error").String() != "name is required" {
		t.Fatalf("4xx result = %+v", res)
	}

	_, err = reg.Invoke(context.Background(), "broken", nil, ic)
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("5xx err = %v, want ErrServiceUnavailable", err)
	}
}
