package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lensisku/lexiassist/internal/assistant"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/storage"
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

		w.WriteHeader(http.StatusNotFound)
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

func TestChatCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /assistant/chat": `{"reply":"The word is **mlatu**."}`,
	})

	reply, err := sendChat(ctx, ts.client(), "word for cat", "de")
	if err != nil {
		t.Fatalf("sendChat: %v", err)
	}
	if reply != "The word is **mlatu**." {
		t.Errorf("reply = %q", reply)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	req := ts.requests[0]
	if req.Auth != "Bearer test-token" {
		t.Errorf("Authorization = %q", req.Auth)
	}

	var body assistant.Request
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	want := assistant.Request{
		Messages: []assistant.Message{{Role: "user", Content: "word for cat"}},
		Locale:   "de",
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
}

func TestChatCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"upstream returned 500","type":"external_service"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	_, err := sendChat(ctx, client, "hi", "")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"502", "external_service", "upstream returned 500"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestClient_NoTokenNoAuthHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	client := ts.client()
	client.token = ""
	if err := client.call(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	if ts.requests[0].Auth != "" {
		t.Errorf("Authorization = %q, want empty", ts.requests[0].Auth)
	}
}

func TestClient_ErrorWithoutEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream connect error", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	err := client.call(ctx, http.MethodGet, "/health", nil, nil)

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "upstream connect error" {
		t.Errorf("apiError = %+v", apiErr)
	}
}

func TestClient_ServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := &apiClient{baseURL: url, httpClient: &http.Client{}}
	err := client.call(ctx, http.MethodGet, "/health", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "lexiassist serve") {
		t.Errorf("expected unreachable hint, got %v", err)
	}
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /assistant/search": `{"results":[{"valsi":"mlatu","definition":"x1 is a cat","lang":"English","score":3,"similarity":0.91}],"total":1}`,
	})

	limit := 5
	src := int32(1)
	res, err := runSearch(ctx, ts.client(), lexicon.Args{Query: "cat", Limit: &limit, Languages: []int32{2}, SourceLangID: &src})
	if err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	if res.Total != 1 || len(res.Results) != 1 || res.Results[0].Valsi != "mlatu" {
		t.Errorf("result = %+v", res)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if body["query"] != "cat" || body["limit"] != float64(5) || body["source_langid"] != float64(1) {
		t.Errorf("request body = %v", body)
	}
}

func TestWriteResults(t *testing.T) {
	noColor = true
	t.Cleanup(func() { noColor = false })

	var buf bytes.Buffer
	writeResults(&buf, lexicon.Result{
		Results: []lexicon.Summary{
			{Valsi: "mlatu", Definition: "x1 is a cat", Lang: "English", Score: 3, Similarity: 0.912, Selmaho: "GISMU"},
		},
		Total: 7,
	})

	out := buf.String()
	for _, want := range []string{"mlatu [GISMU] (English)", "similarity 0.912, score 3", "  x1 is a cat", "1 of 7 shown"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeResults(&buf, lexicon.Result{})
	if got := buf.String(); got != "No results found.\n" {
		t.Errorf("empty output = %q", got)
	}
}

func TestDecodeRecords(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "array", input: `[{"id":1,"word":"mlatu"},{"id":2,"word":"gerku"}]`, want: []string{"mlatu", "gerku"}},
		{name: "lines", input: "{\"id\":1,\"word\":\"mlatu\"}\n{\"id\":2,\"word\":\"gerku\"}\n", want: []string{"mlatu", "gerku"}},
		{name: "leading whitespace", input: "\n  [{\"id\":1,\"word\":\"mlatu\"}]", want: []string{"mlatu"}},
		{name: "empty", input: "  \n", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := decodeRecords[storage.Definition](strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("decodeRecords: %v", err)
			}
			var words []string
			for _, d := range defs {
				words = append(words, d.Word)
			}
			if diff := cmp.Diff(tt.want, words); diff != "" {
				t.Errorf("words mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRecords_Invalid(t *testing.T) {
	_, err := decodeRecords[storage.Definition](strings.NewReader("{\"id\":1}\n{broken"))
	if err == nil || !strings.Contains(err.Error(), "record 2") {
		t.Errorf("expected record 2 error, got %v", err)
	}
}

func TestImportDefinitions(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	path := filepath.Join(t.TempDir(), "defs.json")
	data := `[
  {"id": 10, "word": "mlatu", "source_langid": 1, "langid": 2, "definition": "x1 is a cat", "score": 4},
  {"id": 11, "word": "gerku", "source_langid": 1, "langid": 2, "definition": "x1 is a dog", "score": 2}
]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := readJSONFile[storage.Definition](path)
	if err != nil {
		t.Fatalf("readJSONFile: %v", err)
	}
	langs := []storage.Language{{ID: 1, Tag: "jbo", RealName: "Lojban"}, {ID: 2, Tag: "en", RealName: "English"}}

	n, err := importDefinitions(ctx, store, langs, defs)
	if err != nil {
		t.Fatalf("importDefinitions: %v", err)
	}
	if n != 2 {
		t.Errorf("saved = %d, want 2", n)
	}

	got, err := store.GetDefinition(ctx, 10)
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if got.Word != "mlatu" || got.Text != "x1 is a cat" {
		t.Errorf("definition = %+v", got)
	}

	stored, err := store.ListLanguages(ctx)
	if err != nil {
		t.Fatalf("ListLanguages: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("languages = %+v", stored)
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Definitions != 2 || st.Embedded != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestImportDefinitions_InvalidLanguage(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_, err = importDefinitions(ctx, store, []storage.Language{{ID: 0, Tag: "en"}}, nil)
	if err == nil {
		t.Fatal("expected error for language without id")
	}
}

func TestReadJSONFile_Missing(t *testing.T) {
	_, err := readJSONFile[storage.Definition](filepath.Join(t.TempDir(), "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "nope.json") {
		t.Errorf("expected error naming the file, got %v", err)
	}
}
