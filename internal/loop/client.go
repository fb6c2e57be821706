// Package loop sends iMessages through the Loop Message API and receives
// its webhook callbacks.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aimessages/aimessages/internal/invoke"
)

const (
	Provider = "loop_message"

	OpSendMessage = "send_message"
	OpMessageAuth = "message_auth"
)

// ErrNotAccepted is an attempt outcome where Loop answered but reported
// success=false. It is retried like a transport failure.
var ErrNotAccepted = errors.New("loop: request not accepted")

const (
	msgExhausted = "Maximum retries exceeded, no message sent."
	causeUnknown = "Unknown - Loop error"
)

type Config struct {
	URL             string
	AuthURL         string
	SenderName      string
	SecretKey       string
	ConversationKey string
	AuthKey         string
}

type Client struct {
	cfg  Config
	inv  *invoke.Invoker
	http *http.Client
}

func NewClient(cfg Config, inv *invoke.Invoker) *Client {
	return &Client{
		cfg:  cfg,
		inv:  inv,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Classify reports every exhausted Loop call as a 400: Loop gives no status
// worth surfacing when it declines a message.
func Classify(code int, err error) *invoke.Error {
	if errors.Is(err, invoke.ErrMissingCredential) {
		return &invoke.Error{Provider: Provider, Code: code, Message: "Missing Loop API key.", Cause: err}
	}
	return &invoke.Error{
		Provider: Provider,
		Code:     http.StatusBadRequest,
		Message:  msgExhausted,
		Detail:   causeUnknown,
		Cause:    err,
	}
}

// Send delivers msg and returns Loop's message id. A message is sent only
// once Loop answers success=true; anything else is retried under the
// invoker's policy.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	body := sendRequest{
		Text:        msg.Text,
		SenderName:  c.cfg.SenderName,
		Attachments: msg.Attachments,
		Passthrough: msg.Passthrough.Encode(),
	}
	if msg.Recipient != "" {
		body.Recipient = msg.Recipient
	} else {
		body.Group = msg.Group
	}

	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpSendMessage,
		Key:       c.cfg.SecretKey,
		Classify:  Classify,
		Run: func(ctx context.Context, _ invoke.Attempt) (string, error) {
			var resp sendResponse
			if err := c.post(ctx, c.cfg.URL, "Loop-Secret-key", c.cfg.ConversationKey, body, &resp); err != nil {
				return "", err
			}
			if !resp.Success {
				return "", ErrNotAccepted
			}
			return resp.MessageID, nil
		},
	})
}

// RequestAuth starts iMessage account linking. passthrough comes back on
// the auth callback.
func (c *Client) RequestAuth(ctx context.Context, passthrough string) (AuthLink, error) {
	return invoke.Do(ctx, c.inv, invoke.Call[AuthLink]{
		Provider:  Provider,
		Operation: OpMessageAuth,
		Key:       c.cfg.SecretKey,
		Classify:  Classify,
		Run: func(ctx context.Context, _ invoke.Attempt) (AuthLink, error) {
			var resp authResponse
			if err := c.post(ctx, c.cfg.AuthURL, "Auth-Secret-key", c.cfg.AuthKey, authRequest{Passthrough: passthrough}, &resp); err != nil {
				return AuthLink{}, err
			}
			if !resp.Success {
				return AuthLink{}, ErrNotAccepted
			}
			return AuthLink{IMessageLink: resp.IMessageLink, RequestID: resp.RequestID}, nil
		},
	})
}

func (c *Client) post(ctx context.Context, url, keyHeader, key string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.SecretKey)
	req.Header.Set(keyHeader, key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &invoke.StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("loop: unmarshal: %w", err)
	}
	return nil
}
