package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// chatServer fakes a chat-completions endpoint, streaming the given
// fragments as SSE chunks and recording the last request body.
type chatServer struct {
	*httptest.Server

	mu   chan struct{}
	last map[string]any
}

func newChatServer(t *testing.T, fragments ...string) *chatServer {
	t.Helper()
	cs := &chatServer{mu: make(chan struct{}, 1)}
	cs.mu <- struct{}{}

	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		<-cs.mu
		cs.last = body
		cs.mu <- struct{}{}

		if stream, _ := body["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"id": "cmpl-1", "object": "chat.completion",
				"choices": []any{map[string]any{
					"index":   0,
					"message": map[string]any{"role": "assistant", "content": strings.Join(fragments, "")},
				}},
			}
			json.NewEncoder(w).Encode(resp)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range fragments {
			chunk := map[string]any{
				"id": "cmpl-1", "object": "chat.completion.chunk",
				"choices": []any{map[string]any{
					"index": 0,
					"delta": map[string]any{"content": frag},
				}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) lastRequest() map[string]any {
	<-cs.mu
	defer func() { cs.mu <- struct{}{} }()
	return cs.last
}

func TestStreamAssemblesFragments(t *testing.T) {
	t.Parallel()

	srv := newChatServer(t, "Hello", " there", ".")
	c, err := New("test-key", "qwen3", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, "be brief", []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		sb.WriteString(chunk.Text)
	}
	if got := sb.String(); got != "Hello there." {
		t.Errorf("assembled = %q; want %q", got, "Hello there.")
	}
}

func TestStreamWindowsHistory(t *testing.T) {
	t.Parallel()

	srv := newChatServer(t, "ok")
	c, err := New("test-key", "qwen3", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	history := make([]Message, 30)
	for i := range history {
		history[i] = Message{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, "sys", history)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for range ch {
	}

	msgs, _ := srv.lastRequest()["messages"].([]any)
	// System prompt plus the 20 most recent entries.
	if len(msgs) != historyWindow+1 {
		t.Fatalf("sent %d messages; want %d", len(msgs), historyWindow+1)
	}
	first, _ := msgs[1].(map[string]any)
	if first["content"] != "turn 10" {
		t.Errorf("oldest retained entry = %v; want turn 10", first["content"])
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	srv := newChatServer(t, "The weather is fine.")
	c, err := New("test-key", "qwen3", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := c.Complete(ctx, "sys", []Message{{Role: "user", Content: "weather?"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "The weather is fine." {
		t.Errorf("Complete = %q", got)
	}
}

func TestNewRequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := New("key", ""); err == nil {
		t.Error("New with empty model: want error")
	}
}
