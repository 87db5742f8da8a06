package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL, Model: "gemini-test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGenerateTextSendsVideoSlice(t *testing.T) {
	var got geminiGenerateContentRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]},"finishReason":"STOP"}]}`)
	})

	res, err := client.GenerateText(context.Background(), TextRequest{
		System:      "be brief",
		Prompt:      "describe",
		VideoURI:    "gs://bucket/a.mp4",
		StartOffset: 30 * time.Second,
		EndOffset:   90 * time.Second,
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if res.Text != "hello world" || res.FinishReason != "STOP" {
		t.Fatalf("result = %+v", res)
	}
	parts := got.Contents[0].Parts
	if len(parts) != 2 || parts[0].FileData == nil || parts[0].VideoMetadata.StartOffset != "30.000s" {
		t.Fatalf("parts = %+v", parts)
	}
	if got.GenerationConfig.ResponseMimeType != "application/json" || got.SystemInstruction == nil {
		t.Fatalf("request = %+v", got)
	}
}

func TestGenerateTextErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "api error",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`,
			check: func(err error) bool {
				var apiErr *APIError
				return errors.As(err, &apiErr) && apiErr.StatusCode() == 429 && apiErr.Reason == "RESOURCE_EXHAUSTED"
			},
		},
		{
			name:   "blocked",
			status: http.StatusOK,
			body:   `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
			check: func(err error) bool {
				var blocked *BlockedError
				return errors.As(err, &blocked) && !blocked.Retryable()
			},
		},
		{
			name:   "prompt feedback",
			status: http.StatusOK,
			body:   `{"promptFeedback":{"blockReason":"OTHER"}}`,
			check: func(err error) bool {
				var blocked *BlockedError
				return errors.As(err, &blocked) && blocked.Reason == "OTHER"
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})
			_, err := client.GenerateText(context.Background(), TextRequest{Prompt: "x"})
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	for i := 0; i < 5; i++ {
		_, _ = client.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	}
	_, err := client.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, breaker let requests through", calls)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})
	for i := 0; i < 8; i++ {
		_, _ = client.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	}
	if calls != 8 {
		t.Fatalf("calls = %d, 4xx should not trip the breaker", calls)
	}
}

func TestStreamText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"{\\\"a\\\":\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"1}\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	})

	stream, err := client.StreamText(context.Background(), TextRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer stream.Close()

	var deltas []string
	text, err := ReadAll(stream, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if text != `{"a":1}` || len(deltas) != 2 || stream.FinishReason() != "STOP" {
		t.Fatalf("text = %q deltas = %v finish = %q", text, deltas, stream.FinishReason())
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("Next after end = %v", err)
	}
}

func TestStreamTextBlockedMidway(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[]},\"finishReason\":\"RECITATION\"}]}\n\n")
	})
	stream, err := client.StreamText(context.Background(), TextRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer stream.Close()
	text, err := ReadAll(stream, nil)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || text != "partial" {
		t.Fatalf("text = %q err = %v", text, err)
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestUnconfiguredClient(t *testing.T) {
	client, _ := NewClient(Options{})
	if client.Configured() {
		t.Fatal("client without key reports configured")
	}
	if _, err := client.GenerateText(context.Background(), TextRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamTextOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"late\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL, HeaderTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.httpClient.Timeout != 0 {
		t.Fatalf("default client has an overall timeout of %s", client.httpClient.Timeout)
	}

	stream, err := client.StreamText(context.Background(), TextRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer stream.Close()
	text, err := ReadAll(stream, nil)
	if err != nil || text != "late" {
		t.Fatalf("text = %q err = %v", text, err)
	}
}

func TestHeaderTimeoutApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL, HeaderTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.StreamText(context.Background(), TextRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected a header timeout")
	}
}
