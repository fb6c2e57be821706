// Package openai talks to the OpenAI chat, completion, edit and image
// endpoints through the retrying invoker.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/tokenizer"
)

const (
	Provider       = "openai"
	DefaultBaseURL = "https://api.openai.com"

	temperature = 0.7
	imageSize   = "512x512"
)

// Operation names reported to invoke observers.
const (
	OpChatCompletion = "chat_completion"
	OpCompletion     = "completion"
	OpTextEdit       = "text_edit"
	OpImageCreate    = "image_create"
	OpImageEdit      = "image_edit"
	OpImageVariation = "image_variation"
)

// ContentFilteredMessage is returned in place of a completion that the
// provider withheld.
const ContentFilteredMessage = "OpenAI's has omitted the response due " +
	"to a flag from their content filters. Please reword your " +
	"request, and try again."

const (
	msgServerError = "OpenAI servers had an error " +
		"while processing your request. Please retry your request " +
		"after a brief wait, and contact us if the issue persists."
	msgRateLimited = "OpenAI servers are currently " +
		"experiencing higher than normal traffic. Please retry " +
		"your request after a brief wait."
	msgUnknown = "OpenAI servers had an unknown error " +
		"while processing your request. Please retry your request " +
		"after a brief wait, and contact us if the issue persists."
)

// Config selects the models and the token headroom of a Client.
type Config struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	CompletionModel string
	EditModel       string
	TokenBuffer     int
}

type Client struct {
	apiKey  string
	baseURL string
	buffer  int

	chat       tokenizer.Model
	completion tokenizer.Model
	editModel  string

	chatCounter       tokenizer.Counter
	completionCounter tokenizer.Counter

	inv  *invoke.Invoker
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCounters replaces the tiktoken counters of the chat and completion models.
func WithCounters(chat, completion tokenizer.Counter) Option {
	return func(c *Client) {
		c.chatCounter = chat
		c.completionCounter = completion
	}
}

// NewClient resolves the configured models against the builtin registry. An
// empty model name selects the registry default for the endpoint.
func NewClient(cfg Config, inv *invoke.Invoker, opts ...Option) (*Client, error) {
	reg, err := tokenizer.Builtin()
	if err != nil {
		return nil, err
	}
	chat, err := reg.Lookup(cfg.ChatModel, "chat")
	if err != nil {
		return nil, fmt.Errorf("openai: chat model: %w", err)
	}
	completion, err := reg.Lookup(cfg.CompletionModel, "completion")
	if err != nil {
		return nil, fmt.Errorf("openai: completion model: %w", err)
	}
	edit, err := reg.Lookup(cfg.EditModel, "edit")
	if err != nil {
		return nil, fmt.Errorf("openai: edit model: %w", err)
	}

	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		buffer:     cfg.TokenBuffer,
		chat:       chat,
		completion: completion,
		editModel:  edit.Name,
		inv:        inv,
		http:       &http.Client{Timeout: 60 * time.Second},
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.chatCounter == nil {
		if c.chatCounter, err = tokenizer.ForModel(chat); err != nil {
			return nil, err
		}
	}
	if c.completionCounter == nil {
		if c.completionCounter, err = tokenizer.ForModel(completion); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ChatModel returns the resolved chat model.
func (c *Client) ChatModel() tokenizer.Model { return c.chat }

// ChatCounter is the counter matching the chat model's encoding.
func (c *Client) ChatCounter() tokenizer.Counter { return c.chatCounter }

// Classify builds the error surfaced when a call gives up. The provider's own
// error.message wins over the canned text.
func Classify(code int, err error) *invoke.Error {
	e := &invoke.Error{Provider: Provider, Code: code, Cause: err}
	switch code {
	case http.StatusUnauthorized, http.StatusInternalServerError:
		e.Message = msgServerError
	case http.StatusTooManyRequests:
		e.Message = msgRateLimited
	default:
		e.Message = msgUnknown
	}
	if detail := invoke.ProviderText(err, "error.message"); detail != "" {
		e.Detail = detail
		e.Message = detail
	}
	return e
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &invoke.StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("openai: unmarshal: %w", err)
	}
	return nil
}
