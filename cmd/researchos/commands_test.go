package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sacha-l/ResearchOS/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskCommand_Submit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /queries": `{"id":"01TEST","user_id":"alice","question":"What is 2+2?","status":"processing"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/queries", map[string]string{
		"question": "What is 2+2?",
		"user_id":  "alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var q queryView
	if err := decodeJSON(resp, &q); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if q.ID != "01TEST" {
		t.Errorf("id = %q, want 01TEST", q.ID)
	}
	if q.Status != "processing" {
		t.Errorf("status = %q, want processing", q.Status)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]string
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["question"] != "What is 2+2?" {
		t.Errorf("body.question = %q", sent["question"])
	}
	if sent["user_id"] != "alice" {
		t.Errorf("body.user_id = %q", sent["user_id"])
	}
}

func TestPollUntilTerminal(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls < 3 {
			w.Write([]byte(`{"id":"q1","status":"processing"}`))
			return
		}
		w.Write([]byte(`{"id":"q1","status":"completed","answer":"4"}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	q, err := pollUntilTerminal(ctx, client, "q1", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Status != "completed" {
		t.Errorf("status = %q, want completed", q.Status)
	}
	if q.Answer != "4" {
		t.Errorf("answer = %q, want 4", q.Answer)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestQueriesList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /users/alice/queries": `[{"id":"q1","status":"completed","question":"first"},{"id":"q2","status":"processing","question":"second"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/users/alice/queries")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var queries []queryView
	if err := decodeJSON(resp, &queries); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}
	if queries[0].ID != "q1" || queries[1].ID != "q2" {
		t.Errorf("ids = [%s, %s], want [q1, q2]", queries[0].ID, queries[1].ID)
	}
}

func TestStatsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"total_queries":10,"completed_queries":8,"failed_queries":2,"active_users":3}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st struct {
		Total int `json:"total_queries"`
		Users int `json:"active_users"`
	}
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Total != 10 {
		t.Errorf("total = %d, want 10", st.Total)
	}
	if st.Users != 3 {
		t.Errorf("users = %d, want 3", st.Users)
	}
}

func TestCleanupCommand_RequiresPositiveAge(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"cleanup", "--max-age-seconds", "0"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for non-positive max age")
	}
	if !strings.Contains(err.Error(), "positive") {
		t.Errorf("error = %q, want it to mention 'positive'", err.Error())
	}
}

func TestBackupImport_RequiresInput(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"backup", "import", "--confirm"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --input")
	}
	if !strings.Contains(err.Error(), "--input") {
		t.Errorf("error = %q, want it to mention '--input'", err.Error())
	}
}

func TestServiceConfigSetAI_RequiresEndpointAndModel(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"service-config", "set-ai", "--model", "m"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --endpoint")
	}
}

func TestConfigSetCommand_UnknownKey(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	rootCmd.SetArgs([]string{"config", "set", "nope.nothing", "1"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown config key")
	}
	if !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("error = %q, want it to mention 'unknown config key'", err.Error())
	}
}

func TestConfigSetCommand_RoundTrip(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	rootCmd.SetArgs([]string{"config", "set", "server.max_conns", "64"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.MaxConns != 64 {
		t.Errorf("max conns = %d, want 64", cfg.Server.MaxConns)
	}

	rootCmd.SetArgs([]string{"config", "unset", "server.max_conns"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config unset failed: %v", err)
	}
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.MaxConns != 256 {
		t.Errorf("max conns = %d, want default 256", cfg.Server.MaxConns)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.post(ctx, "/queries", map[string]string{"question": "q", "user_id": "u"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %q, want it to contain '429'", err.Error())
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"01HXYZABCDEFG", "01HXYZAB"},
		{"short", "short"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortID(tt.in); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
