package classify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrompts(t *testing.T) {
	p := DefaultPrompts()
	assert.Equal(t, 6, p.Len())
	for _, key := range []string{"urgent", "sentiment", "question", "spam", "needs_reply", "language"} {
		_, ok := p.Lookup(key)
		assert.True(t, ok, key)
	}

	assert.Contains(t, p.Resolve("urgent"), "urgent")
	assert.Equal(t, "Is this about invoices? yes/no", p.Resolve("Is this about invoices? yes/no"))

	extended := p.With(map[string]string{"invoice": "invoice prompt"})
	assert.Equal(t, "invoice prompt", extended.Resolve("invoice"))
	_, ok := p.Lookup("invoice")
	assert.False(t, ok, "With must not mutate the receiver")
}

func TestNewPrompts_CopiesInput(t *testing.T) {
	src := map[string]string{"a": "one"}
	p := NewPrompts(src)
	src["a"] = "two"
	assert.Equal(t, "one", p.Resolve("a"))
}

func TestNoopClassifier(t *testing.T) {
	_, err := NewNoopClassifier().Classify(context.Background(), "p", "t")
	assert.ErrorIs(t, err, ErrNoClassifier)
}

func TestOllamaClassifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Options.Temperature != 0 || req.Options.NumPredict != MaxOutputTokens || req.Stream {
			http.Error(w, "unexpected options", http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "server is down" {
			http.Error(w, "unexpected messages", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: chatMessage{Role: "assistant", Content: "  Urgent\n"}})
	}))
	defer server.Close()

	c := NewOllamaClassifier(server.URL+"/", "llama3.2")
	got, err := c.Classify(context.Background(), "sys", "server is down")
	require.NoError(t, err)
	assert.Equal(t, "Urgent", got)
}

func TestOllamaClassifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOllamaClassifier(server.URL, "missing").Classify(context.Background(), "sys", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOpenAIClassifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var req openAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxTokens != MaxOutputTokens {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" negative "}}]}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClassifier("sk-test", "")
	require.NoError(t, err)
	got, err := c.WithBaseURL(server.URL).Classify(context.Background(), "sys", "I hate this")
	require.NoError(t, err)
	assert.Equal(t, "negative", got)
}

func TestOpenAIClassifier_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClassifier("sk-test", "gpt-4o-mini")
	require.NoError(t, err)
	_, err = c.WithBaseURL(server.URL).Classify(context.Background(), "sys", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit")
}

func TestNewOpenAIClassifier_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClassifier("", "")
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()

	_, ok := Select(ctx, ProviderConfig{Provider: "noop"}, logger).(*NoopClassifier)
	assert.True(t, ok)

	_, ok = Select(ctx, ProviderConfig{Provider: "openai"}, logger).(*NoopClassifier)
	assert.True(t, ok, "openai without key degrades to noop")

	_, ok = Select(ctx, ProviderConfig{Provider: "auto", OpenAIAPIKey: "sk"}, logger).(*OpenAIClassifier)
	assert.True(t, ok)

	_, ok = Select(ctx, ProviderConfig{Provider: "ollama", OllamaURL: "http://127.0.0.1:1"}, logger).(*OllamaClassifier)
	assert.True(t, ok)

	tags := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer tags.Close()
	_, ok = Select(ctx, ProviderConfig{Provider: "auto", OllamaURL: tags.URL}, logger).(*OllamaClassifier)
	assert.True(t, ok)

	tags.Close()
	_, ok = Select(ctx, ProviderConfig{Provider: "auto", OllamaURL: tags.URL}, logger).(*NoopClassifier)
	assert.True(t, ok)
}
