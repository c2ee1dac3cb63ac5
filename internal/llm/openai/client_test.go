package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

func newTestServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("authorization header missing: %q", got)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestThinkRequestsJSONMode(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, `{"thought":"plan","action":"search","requiredServices":["voyage"]}`, &body)
	client := newTestClient(t, srv)

	plan, err := client.Think(context.Background(), "build a rag app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Rationale != "plan" || plan.PlannedAction != "search" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.RequiredServices) != 1 || plan.RequiredServices[0] != "voyage" {
		t.Fatalf("unexpected services: %v", plan.RequiredServices)
	}

	format, ok := body["response_format"].(map[string]any)
	if !ok || format["type"] != "json_object" {
		t.Fatalf("json mode not requested: %v", body["response_format"])
	}
	if body["model"] != defaultModelName {
		t.Fatalf("unexpected model: %v", body["model"])
	}
}

func TestDecideIncludesActiveServices(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, `{"needsPayment":true,"services":["mongodb"],"reasoning":"need search"}`, &body)
	client := newTestClient(t, srv)

	memories := []model.RetrievedMemory{{ID: "m1", Text: "vector search basics", Score: 0.9}}
	decision, err := client.Decide(context.Background(), "goal", memories, []model.Service{model.ServiceVoyage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.NeedsPayment || decision.Services[0] != "mongodb" {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	messages := body["messages"].([]any)
	system := messages[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "already paid for): voyage") {
		t.Fatalf("active services missing from prompt: %s", system)
	}
	user := messages[1].(map[string]any)["content"].(string)
	if !strings.Contains(user, "vector search basics (relevance: 90.0%)") {
		t.Fatalf("memories missing from prompt: %s", user)
	}
}

func TestBuildNormalizesDraft(t *testing.T) {
	srv := newTestServer(t, `{"name":"","type":"slides","content":"# hello"}`, nil)
	client := newTestClient(t, srv)

	draft, err := client.Build(context.Background(), "goal", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draft.Name != "artifact" || draft.Kind != "document" || draft.Content != "# hello" {
		t.Fatalf("unexpected draft: %+v", draft)
	}
}

func TestNonJSONContentIsAdapterFailure(t *testing.T) {
	srv := newTestServer(t, "not json", nil)
	client := newTestClient(t, srv)

	_, err := client.Think(context.Background(), "goal")
	if xerrors.CodeOf(err) != xerrors.CodeAdapterFailure {
		t.Fatalf("expected adapter failure, got %v", err)
	}
}

func TestHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()
	client := newTestClient(t, srv)

	if _, err := client.Think(context.Background(), "test"); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
