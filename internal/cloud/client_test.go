// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(serverURL string) *Client {
	return NewClient("sk-test-key", nil).WithBaseURL(serverURL)
}

// =============================================================================
// COMPLETION TESTS
// =============================================================================

func TestComplete_ReturnsContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": "hello there"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	content, err := client.Complete(context.Background(), "mercury-2", 256,
		[]ChatMessage{NewUserMessage("hi")})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if content != "hello there" {
		t.Errorf("content = %q, want %q", content, "hello there")
	}
}

func TestComplete_RequestShape(t *testing.T) {
	var captured CompletionRequest
	var auth, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Write([]byte(`{"content": "ok"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	messages := []ChatMessage{
		NewUserMessage("first"),
		NewAssistantMessage("reply"),
		NewUserMessage("second"),
	}
	if _, err := client.Complete(context.Background(), "mercury-2", 1024, messages); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if path != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", path)
	}
	if auth != "Bearer sk-test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if captured.Model != "mercury-2" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", captured.MaxTokens)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("messages len = %d, want 3", len(captured.Messages))
	}
	if captured.Messages[1].Role != "assistant" || captured.Messages[1].Content != "reply" {
		t.Errorf("messages[1] = %+v", captured.Messages[1])
	}
}

func TestComplete_ReasoningFlagSerialized(t *testing.T) {
	var raw map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"content": "ok"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, ok := raw["reasoning"]; ok {
		t.Error("reasoning should be omitted when disabled")
	}

	client.WithReasoning(true)
	if _, err := client.Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if string(raw["reasoning"]) != "true" {
		t.Errorf("reasoning = %s, want true", raw["reasoning"])
	}
}

func TestComplete_NotConfigured(t *testing.T) {
	client := NewClient("", nil)
	_, err := client.Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": ""}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("err = %v, want ErrEmptyCompletion", err)
	}
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth failed", http.StatusUnauthorized, `{"error":{"code":"invalid_api_key","message":"bad key"}}`, ErrAuthFailed},
		{"auth failed unparseable", http.StatusUnauthorized, `nope`, ErrAuthFailed},
		{"insufficient credits", http.StatusPaymentRequired, `{"error":{"code":"credits","message":"broke"}}`, ErrInsufficientCredits},
		{"model not found", http.StatusNotFound, `{"error":{"code":"model_not_found","message":"no such model"}}`, ErrModelNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Complete(context.Background(), "mercury-2", 10,
				[]ChatMessage{NewUserMessage("x")})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestComplete_UnmappedStatusReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"bad_request","message":"malformed"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "bad_request" || apiErr.Status != http.StatusBadRequest {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Message, "malformed") {
		t.Errorf("message = %q", apiErr.Message)
	}
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestComplete_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"rate_limited","message":"slow down"}}`))
			return
		}
		w.Write([]byte(`{"content": "finally"}`))
	}))
	defer server.Close()

	content, err := newTestClient(server.URL).Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if content != "finally" {
		t.Errorf("content = %q", content)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestComplete_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"internal","message":"boom"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL).WithMaxRetries(2)
	_, err := client.Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestComplete_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"invalid_api_key","message":"bad"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestComplete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.Write([]byte(`{"content": "too late"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL).Complete(ctx, "mercury-2", 10,
		[]ChatMessage{NewUserMessage("x")})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// =============================================================================
// KEY HANDLING TESTS
// =============================================================================

func TestAPIKeyMasked_NeverLeaksKey(t *testing.T) {
	client := NewClient("sk-super-secret-value", nil)
	masked := client.APIKeyMasked()
	if strings.Contains(masked, "secret") || strings.Contains(masked, "sk-") {
		t.Errorf("masked key leaks material: %q", masked)
	}
	if !strings.Contains(masked, "fingerprint=") {
		t.Errorf("masked key missing fingerprint: %q", masked)
	}
}

func TestAPIKeyMasked_NotSet(t *testing.T) {
	client := NewClient("", nil)
	if got := client.APIKeyMasked(); got != "[not set]" {
		t.Errorf("masked = %q", got)
	}
}

func TestKeyFingerprint_StableAndDistinct(t *testing.T) {
	a := NewClient("key-one", nil)
	b := NewClient("key-one", nil)
	c := NewClient("key-two", nil)

	if a.KeyFingerprint() != b.KeyFingerprint() {
		t.Error("same key should produce the same fingerprint")
	}
	if a.KeyFingerprint() == c.KeyFingerprint() {
		t.Error("different keys should produce different fingerprints")
	}
}

func TestSetAPIKey_TrimsWhitespace(t *testing.T) {
	client := NewClient("", nil)
	if client.IsConfigured() {
		t.Error("empty key should not be configured")
	}
	client.SetAPIKey("  sk-abc  ")
	if !client.IsConfigured() {
		t.Error("key should be configured after SetAPIKey")
	}
}
