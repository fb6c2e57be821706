// Package clipdrop turns doodles into images with the Clipdrop
// sketch-to-image API.
package clipdrop

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/aimessages/aimessages/internal/invoke"
)

const (
	Provider    = "clipdrop"
	DefaultHost = "https://clipdrop-api.co"
	OpDoodle    = "doodle"
)

type Client struct {
	apiKey string
	host   string
	inv    *invoke.Invoker
	http   *http.Client
}

func NewClient(apiKey, host string, inv *invoke.Invoker) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		apiKey: apiKey,
		host:   host,
		inv:    inv,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Classify builds the terminal error of a Clipdrop call. Clipdrop reports its
// own message under "error".
func Classify(code int, err error) *invoke.Error {
	if errors.Is(err, invoke.ErrMissingCredential) {
		return &invoke.Error{Provider: Provider, Code: code, Message: "Missing Clipdrop API key.", Cause: err}
	}
	return &invoke.Error{
		Provider: Provider,
		Code:     code,
		Message:  "Non-200 response: maximum retries exceeded.",
		Detail:   invoke.ProviderText(err, "error"),
		Cause:    err,
	}
}

// SketchToImage renders the sketch (base64 PNG) following prompt. The
// result is a one-element list holding the base64 encoded image.
func (c *Client) SketchToImage(ctx context.Context, prompt, sketch string) ([]string, error) {
	var png []byte
	return invoke.Do(ctx, c.inv, invoke.Call[[]string]{
		Provider:  Provider,
		Operation: OpDoodle,
		Key:       c.apiKey,
		Classify:  Classify,
		Prepare: func() error {
			var err error
			png, err = base64.StdEncoding.DecodeString(sketch)
			if err != nil {
				return &invoke.Error{Provider: Provider, Code: http.StatusBadRequest, Message: "Invalid base64 image.", Cause: err}
			}
			return nil
		},
		Run: func(ctx context.Context, _ invoke.Attempt) ([]string, error) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			fw, err := mw.CreateFormFile("sketch_file", "image.png")
			if err != nil {
				return nil, err
			}
			if _, err := fw.Write(png); err != nil {
				return nil, err
			}
			if err := mw.WriteField("prompt", prompt); err != nil {
				return nil, err
			}
			if err := mw.Close(); err != nil {
				return nil, err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/sketch-to-image/v1/sketch-to-image", &buf)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			req.Header.Set("x-api-key", c.apiKey)

			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				return nil, &invoke.StatusError{StatusCode: resp.StatusCode, Body: body}
			}
			return []string{base64.StdEncoding.EncodeToString(body)}, nil
		},
	})
}
