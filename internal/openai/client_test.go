package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimessages/aimessages/internal/conversation"
	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/tokenizer"
)

var words = tokenizer.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

type fakeAPI struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    func(n int, w http.ResponseWriter, r *http.Request)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	n := len(f.requests)
	body := map[string]any{"_path": r.URL.Path, "_auth": r.Header.Get("Authorization")}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
	}
	f.requests = append(f.requests, body)
	f.mu.Unlock()
	f.reply(n, w, r)
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAPI) request(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

func newTestClient(t *testing.T, key string, api *fakeAPI) (*Client, *sleeps) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	s := &sleeps{}
	inv := invoke.New(invoke.Policy{MaxRetries: invoke.TestMaxRetries, BaseDelay: invoke.TestBaseDelay}, invoke.WithSleep(s.sleep))
	c, err := NewClient(Config{
		APIKey:      key,
		BaseURL:     srv.URL,
		TokenBuffer: 50,
	}, inv, WithHTTPClient(srv.Client()), WithCounters(words, words))
	require.NoError(t, err)
	return c, s
}

func chatReply(content, finish string) func(int, http.ResponseWriter, *http.Request) {
	return func(_ int, w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": finish,
			}},
		})
	}
}

func turnsOf(n int) []conversation.Turn {
	turns := []conversation.Turn{{Role: conversation.RoleSystem, Content: "sys"}}
	for i := 1; i < n; i++ {
		role := conversation.RoleUser
		if i%2 == 0 {
			role = conversation.RoleAssistant
		}
		turns = append(turns, conversation.Turn{Role: role, Content: "msg"})
	}
	return turns
}

func TestChatCompletionRequest(t *testing.T) {
	api := &fakeAPI{reply: chatReply("hi!", "stop")}
	c, s := newTestClient(t, "sk-test", api)

	got, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "hi!", got)
	assert.Equal(t, 1, api.calls())
	assert.Empty(t, s.d)

	req := api.request(0)
	assert.Equal(t, "/v1/chat/completions", req["_path"])
	assert.Equal(t, "Bearer sk-test", req["_auth"])
	assert.Equal(t, "gpt-3.5-turbo", req["model"])
	assert.Equal(t, float64(4096-12-50), req["max_tokens"])
	assert.InDelta(t, 0.7, req["temperature"], 0.0001)
	assert.Equal(t, "uid-1", req["user"])
	assert.Len(t, req["messages"], 2)
}

func TestChatCompletionContentFilter(t *testing.T) {
	api := &fakeAPI{reply: chatReply("", "content_filter")}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.ChatCompletion(context.Background(), turnsOf(4), 30, "u")
	require.NoError(t, err)
	assert.Equal(t, ContentFilteredMessage, got)
	assert.Equal(t, 1, api.calls())
}

func TestChatCompletionLengthDropsOldestExchange(t *testing.T) {
	api := &fakeAPI{reply: func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 0 {
			chatReply("cut", "length")(n, w, r)
			return
		}
		chatReply("full answer", "stop")(n, w, r)
	}}
	c, s := newTestClient(t, "sk-test", api)

	turns := turnsOf(4)
	got, err := c.ChatCompletion(context.Background(), turns, 100, "u")
	require.NoError(t, err)
	assert.Equal(t, "full answer", got)
	assert.Equal(t, 2, api.calls())
	assert.Len(t, api.request(0)["messages"], 4)
	assert.Len(t, api.request(1)["messages"], 2)
	// (4+1)*2 + 2
	assert.Equal(t, float64(4096-12-50), api.request(1)["max_tokens"])
	assert.Empty(t, s.d, "length retries do not back off")
	assert.Len(t, turns, 4)
}

func TestChatCompletionLengthWithShortConversation(t *testing.T) {
	api := &fakeAPI{reply: chatReply("truncated", "length")}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "u")
	require.NoError(t, err)
	assert.Equal(t, "truncated", got)
	assert.Equal(t, 1, api.calls())
}

func TestChatCompletionLengthStopsAtRetryBudget(t *testing.T) {
	api := &fakeAPI{reply: chatReply("still cut", "length")}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.ChatCompletion(context.Background(), turnsOf(10), 100, "u")
	require.NoError(t, err)
	assert.Equal(t, "still cut", got)
	assert.Equal(t, invoke.TestMaxRetries+1, api.calls())
	assert.Len(t, api.request(2)["messages"], 6)
}

func TestChatCompletionMissingKey(t *testing.T) {
	api := &fakeAPI{reply: chatReply("never", "stop")}
	c, s := newTestClient(t, "", api)

	_, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "u")
	var ie *invoke.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusUnauthorized, ie.Code)
	assert.Equal(t, msgServerError, ie.Message)
	assert.ErrorIs(t, err, invoke.ErrMissingCredential)
	assert.Equal(t, 0, api.calls())
	assert.Empty(t, s.d)
}

func TestChatCompletionExhausted(t *testing.T) {
	t.Run("canned message", func(t *testing.T) {
		api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}}
		c, s := newTestClient(t, "sk-test", api)

		_, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "u")
		var ie *invoke.Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, http.StatusTooManyRequests, ie.Code)
		assert.Equal(t, msgRateLimited, ie.Message)
		assert.Equal(t, invoke.TestMaxRetries+1, api.calls())
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, s.d)
	})

	t.Run("provider message wins", func(t *testing.T) {
		api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"This model's maximum context length is 4096 tokens."}}`))
		}}
		c, _ := newTestClient(t, "sk-test", api)

		_, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "u")
		var ie *invoke.Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, http.StatusBadRequest, ie.Code)
		assert.Equal(t, "This model's maximum context length is 4096 tokens.", ie.Message)
		assert.Equal(t, ie.Message, ie.Detail)
	})
}

func TestChatCompletionRecoversAfterFailure(t *testing.T) {
	api := &fakeAPI{reply: func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		chatReply("ok", "stop")(n, w, r)
	}}
	c, s := newTestClient(t, "sk-test", api)

	got, err := c.ChatCompletion(context.Background(), turnsOf(2), 12, "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, s.d)
}

func TestCompletionLengthShrinksMaxTokens(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[{"text":"partial","finish_reason":"length"}]}`))
	}}
	c, s := newTestClient(t, "sk-test", api)

	got, err := c.Completion(context.Background(), "write me a poem", "u")
	require.NoError(t, err)
	assert.Equal(t, "partial", got)
	require.Equal(t, 3, api.calls())
	assert.Empty(t, s.d)

	first := 4097 - 4 - 50
	assert.Equal(t, "text-davinci-003", api.request(0)["model"])
	assert.Equal(t, "write me a poem", api.request(0)["prompt"])
	assert.Equal(t, float64(first), api.request(0)["max_tokens"])
	assert.Equal(t, float64(first-100), api.request(1)["max_tokens"])
	assert.Equal(t, float64(first-200), api.request(2)["max_tokens"])
}

func TestCompletionContentFilter(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[{"text":"","finish_reason":"content_filter"}]}`))
	}}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.Completion(context.Background(), "x", "u")
	require.NoError(t, err)
	assert.Equal(t, ContentFilteredMessage, got)
	assert.Equal(t, 1, api.calls())
}

func TestTextEdit(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[{"text":"Hello, world."}]}`))
	}}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.TextEdit(context.Background(), "helo wrld", "fix the spelling")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", got)

	req := api.request(0)
	assert.Equal(t, "/v1/edits", req["_path"])
	assert.Equal(t, "text-davinci-edit-001", req["model"])
	assert.Equal(t, "fix the spelling", req["instruction"])
	assert.NotContains(t, req, "max_tokens")
}

func TestEmptyChoicesAreRetried(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}}
	c, _ := newTestClient(t, "sk-test", api)

	_, err := c.TextEdit(context.Background(), "a", "b")
	var ie *invoke.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, invoke.CodeUnknown, ie.Code)
	assert.Equal(t, msgUnknown, ie.Message)
	assert.True(t, errors.Is(err, errNoChoices))
	assert.Equal(t, invoke.TestMaxRetries+1, api.calls())
}

func TestCreateImage(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"b64_json":"aW1n"}]}`))
	}}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.CreateImage(context.Background(), "a cat", "u")
	require.NoError(t, err)
	assert.Equal(t, "aW1n", got)

	req := api.request(0)
	assert.Equal(t, "/v1/images/generations", req["_path"])
	assert.Equal(t, "512x512", req["size"])
	assert.Equal(t, "b64_json", req["response_format"])
	assert.Equal(t, float64(1), req["n"])
}

func TestImageVariationSendsMultipart(t *testing.T) {
	png := []byte("\x89PNG fake")
	var gotFile []byte
	var gotSize string
	api := &fakeAPI{reply: func(_ int, w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotFile, _ = io.ReadAll(f)
		gotSize = r.FormValue("size")
		w.Write([]byte(`{"data":[{"b64_json":"dmFy"}]}`))
	}}
	c, _ := newTestClient(t, "sk-test", api)

	got, err := c.ImageVariation(context.Background(), base64.StdEncoding.EncodeToString(png), "u")
	require.NoError(t, err)
	assert.Equal(t, "dmFy", got)
	assert.Equal(t, png, gotFile)
	assert.Equal(t, "512x512", gotSize)
	assert.Equal(t, "/v1/images/variations", api.request(0)["_path"])
}

func TestEditImageRejectsBadBase64(t *testing.T) {
	api := &fakeAPI{reply: chatReply("", "stop")}
	c, _ := newTestClient(t, "sk-test", api)

	_, err := c.EditImage(context.Background(), "p", "not base64!!", "u")
	var ie *invoke.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusBadRequest, ie.Code)
	assert.Equal(t, 0, api.calls())
}

func TestImageEndpointsCheckKeyBeforeInput(t *testing.T) {
	api := &fakeAPI{reply: chatReply("", "stop")}
	c, _ := newTestClient(t, "", api)

	_, err := c.EditImage(context.Background(), "p", "not base64!!", "u")
	var ie *invoke.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusUnauthorized, ie.Code)

	_, err = c.ImageVariation(context.Background(), "not base64!!", "u")
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusUnauthorized, ie.Code)
	assert.Equal(t, 0, api.calls())
}
