package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"voicesdr/pkg/config"
	"voicesdr/pkg/memory"
	"voicesdr/pkg/retry"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBrain(t *testing.T, handler http.Handler) (*Brain, *memory.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("OPENAI_API_KEY", "test-key")

	mem := memory.Load(filepath.Join(t.TempDir(), "history.json"), 20, testLogger())

	cfg := config.LLMConfig{
		BaseURL:               srv.URL,
		PrimaryModel:          "primary-model",
		FallbackModel:         "fallback-model",
		Temperature:           0.6,
		MaxTokens:             150,
		RequestTimeoutSeconds: 5,
	}
	policy := retry.Policy{MaxRetries: 0}

	b, err := New(cfg, "", mem, policy, testLogger())
	require.NoError(t, err)
	return b, mem
}

func TestReplySanitizesAndRecordsHistory(t *testing.T) {
	b, mem := newTestBrain(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "primary-model", req.Model)
		require.Equal(t, "system", req.Messages[0].Role)
		require.Contains(t, req.Messages[0].Content, "TechSolutions")
		require.Equal(t, "user", req.Messages[len(req.Messages)-1].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(` "Olá! *Posso te ajudar* com software." `)))
	}))

	reply, err := b.Reply(context.Background(), "5511@s.whatsapp.net", "quero um orçamento")
	require.NoError(t, err)
	require.Equal(t, "Olá! Posso te ajudar com software.", reply)

	history := mem.History("5511@s.whatsapp.net")
	require.Len(t, history, 2)
	require.Equal(t, memory.Turn{Role: memory.RoleUser, Content: "quero um orçamento"}, history[0])
	require.Equal(t, memory.Turn{Role: memory.RoleAssistant, Content: "Olá! Posso te ajudar com software."}, history[1])
}

func TestReplySendsPriorTurns(t *testing.T) {
	var lastReq chatRequest
	b, mem := newTestBrain(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("Claro, vamos agendar.")))
	}))

	mem.Append("lead", memory.RoleUser, "vocês fazem consultoria?")
	mem.Append("lead", memory.RoleAssistant, "Fazemos sim. Qual o seu segmento?")

	_, err := b.Reply(context.Background(), "lead", "varejo")
	require.NoError(t, err)

	require.Len(t, lastReq.Messages, 4)
	require.Equal(t, "system", lastReq.Messages[0].Role)
	require.Equal(t, "vocês fazem consultoria?", lastReq.Messages[1].Content)
	require.Equal(t, "assistant", lastReq.Messages[2].Role)
	require.Equal(t, "varejo", lastReq.Messages[3].Content)
}

func TestFallbackIsSticky(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int64

	b, _ := newTestBrain(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Model {
		case "primary-model":
			primaryCalls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
		case "fallback-model":
			fallbackCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(chatResponse(fmt.Sprintf("resposta %d", fallbackCalls.Load()))))
		default:
			t.Errorf("unexpected model %q", req.Model)
		}
	}))

	require.Equal(t, "primary-model", b.ActiveModel())
	require.False(t, b.Degraded())

	reply, err := b.Reply(context.Background(), "lead", "oi")
	require.NoError(t, err)
	require.Equal(t, "resposta 1", reply)
	require.Equal(t, int64(1), primaryCalls.Load())
	require.True(t, b.Degraded())
	require.Equal(t, "fallback-model", b.ActiveModel())

	// The primary must not be probed again once demoted.
	_, err = b.Reply(context.Background(), "lead", "continua aí?")
	require.NoError(t, err)
	require.Equal(t, int64(1), primaryCalls.Load())
	require.Equal(t, int64(2), fallbackCalls.Load())
}

func TestReplyExhaustsBothModels(t *testing.T) {
	b, _ := newTestBrain(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))

	_, err := b.Reply(context.Background(), "lead", "oi")
	require.ErrorIs(t, err, ErrModelsExhausted)

	// Without a fallback success there is nothing to commit to; the next
	// request starts from the primary again.
	require.False(t, b.Degraded())
	require.Equal(t, "primary-model", b.ActiveModel())
}

func TestRecordAssistantStoresCannedReply(t *testing.T) {
	b, mem := newTestBrain(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	}))

	b.RecordAssistant("lead", "Só posso ajudar com os serviços da TechSolutions.")

	history := mem.History("lead")
	require.Len(t, history, 1)
	require.Equal(t, memory.RoleAssistant, history[0].Role)
}

func TestNewRequiresPrimaryModel(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	mem := memory.Load(filepath.Join(t.TempDir(), "history.json"), 20, testLogger())

	_, err := New(config.LLMConfig{}, "", mem, retry.DefaultPolicy(), testLogger())
	require.Error(t, err)
}

func TestSanitizeReply(t *testing.T) {
	cases := map[string]string{
		`  "resposta limpa"  `:  "resposta limpa",
		"*negrito* e **mais**": "negrito e mais",
		"sem mudanças":         "sem mudanças",
	}
	for input, want := range cases {
		if got := sanitizeReply(input); got != want {
			t.Fatalf("sanitizeReply(%q) = %q, want %q", input, got, want)
		}
	}
}
