package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"briefline/internal/fault"
	"briefline/internal/llm"
)

func newGemini(t *testing.T, handler http.HandlerFunc) *llm.Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return llm.NewGemini(llm.GeminiConfig{APIKey: "key-1", Model: "gemini-2.0-flash", BaseURL: srv.URL})
}

func candidateResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	})
	return string(b)
}

func TestCompleteJSON(t *testing.T) {
	var gotPath string
	var gotReq map[string]any
	g := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Get("key") != "key-1" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(candidateResponse(`{"ok": true}`)))
	})
	out, err := g.CompleteJSON(context.Background(), "be terse", "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"ok": true}` {
		t.Fatalf("out = %q", out)
	}
	if gotPath != "/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("path = %q", gotPath)
	}
	gen := gotReq["generationConfig"].(map[string]any)
	if gen["responseMimeType"] != "application/json" {
		t.Fatalf("generationConfig = %+v", gen)
	}
	if gotReq["systemInstruction"] == nil {
		t.Fatal("system instruction missing")
	}
}

func TestCompleteJSONRetriesRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("backoff sleep")
	}
	calls := 0
	g := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(candidateResponse("after retry")))
	})
	out, err := g.CompleteJSON(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if calls != 2 || out != "after retry" {
		t.Fatalf("calls = %d, out = %q", calls, out)
	}
}

func TestCompleteJSONNoCandidates(t *testing.T) {
	g := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})
	_, err := g.CompleteJSON(context.Background(), "", "hello")
	if !errors.Is(err, fault.ErrMalformedResponse) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteJSONClientErrorNotRetried(t *testing.T) {
	calls := 0
	g := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid argument"}}`))
	})
	_, err := g.CompleteJSON(context.Background(), "", "hello")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestCompleteJSONRequiresKey(t *testing.T) {
	g := llm.NewGemini(llm.GeminiConfig{})
	if _, err := g.CompleteJSON(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tc := range cases {
		if got := llm.StripFences(tc.in); got != tc.want {
			t.Errorf("StripFences(%q) = %q", tc.in, got)
		}
	}
}
