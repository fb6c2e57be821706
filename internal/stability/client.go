// Package stability generates and edits images with the Stability AI
// generation API.
package stability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/aimessages/aimessages/internal/invoke"
)

const (
	Provider       = "stability_ai"
	DefaultHost    = "https://api.stability.ai"
	DefaultEngine  = "stable-diffusion-xl-beta-v2-2-2"
	TrainingSteps  = 30
	cfgScale       = 7
	clipGuidance   = "FAST_BLUE"
	imageDimension = 512
	imageStrength  = "0.35"
)

const (
	OpImageCreate       = "image_create"
	OpImageEdit         = "image_edit"
	OpImageEditWithMask = "image_edit_with_mask"
)

// RequestType selects the generation endpoint.
type RequestType string

const (
	Create       RequestType = "create"
	Edit         RequestType = "edit"
	EditWithMask RequestType = "editWithMask"
)

var ErrUnsupportedRequest = errors.New("stability: unsupported request type")

type Client struct {
	apiKey string
	host   string
	engine string
	inv    *invoke.Invoker
	http   *http.Client
}

func NewClient(apiKey, host, engine string, inv *invoke.Invoker) *Client {
	if host == "" {
		host = DefaultHost
	}
	if engine == "" {
		engine = DefaultEngine
	}
	return &Client{
		apiKey: apiKey,
		host:   host,
		engine: engine,
		inv:    inv,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Classify builds the terminal error of a Stability call.
func Classify(code int, err error) *invoke.Error {
	if errors.Is(err, invoke.ErrMissingCredential) {
		return &invoke.Error{Provider: Provider, Code: code, Message: "Missing Stability API key.", Cause: err}
	}
	return &invoke.Error{
		Provider: Provider,
		Code:     code,
		Message:  "Non-200 response: maximum retries exceeded.",
		Detail:   invoke.ProviderText(err, "message"),
		Cause:    err,
	}
}

type textPrompt struct {
	Text string `json:"text"`
}

type textToImageRequest struct {
	TextPrompts        []textPrompt `json:"text_prompts"`
	CfgScale           int          `json:"cfg_scale"`
	ClipGuidancePreset string       `json:"clip_guidance_preset"`
	Height             int          `json:"height"`
	Width              int          `json:"width"`
	Samples            int          `json:"samples"`
	Steps              int          `json:"steps"`
}

type generationResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// images keeps the artifact order; a missing payload is "".
func (r generationResponse) images() []string {
	out := make([]string, len(r.Artifacts))
	for i, a := range r.Artifacts {
		out[i] = a.Base64
	}
	return out
}

// Generate dispatches to the endpoint of t. image is the base64 PNG the
// edits start from and is ignored by Create.
func (c *Client) Generate(ctx context.Context, t RequestType, prompt, image string, samples int) ([]string, error) {
	switch t {
	case Create:
		return c.TextToImage(ctx, prompt, samples)
	case Edit:
		return c.ImageToImage(ctx, prompt, image, samples)
	case EditWithMask:
		return c.Masking(ctx, prompt, image, samples)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRequest, t)
	}
}

func (c *Client) TextToImage(ctx context.Context, prompt string, samples int) ([]string, error) {
	return invoke.Do(ctx, c.inv, invoke.Call[[]string]{
		Provider:  Provider,
		Operation: OpImageCreate,
		Key:       c.apiKey,
		Classify:  Classify,
		Run: func(ctx context.Context, _ invoke.Attempt) ([]string, error) {
			payload, err := json.Marshal(textToImageRequest{
				TextPrompts:        []textPrompt{{Text: prompt}},
				CfgScale:           cfgScale,
				ClipGuidancePreset: clipGuidance,
				Height:             imageDimension,
				Width:              imageDimension,
				Samples:            samples,
				Steps:              TrainingSteps,
			})
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("text-to-image"), bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return c.do(req)
		},
	})
}

// ImageToImage repaints image guided by prompt.
func (c *Client) ImageToImage(ctx context.Context, prompt, image string, samples int) ([]string, error) {
	return c.imageForm(ctx, OpImageEdit, "image-to-image", prompt, image, samples, map[string]string{
		"init_image_mode": "IMAGE_STRENGTH",
		"image_strength":  imageStrength,
	})
}

// Masking repaints the transparent areas of image.
func (c *Client) Masking(ctx context.Context, prompt, image string, samples int) ([]string, error) {
	return c.imageForm(ctx, OpImageEditWithMask, "image-to-image/masking", prompt, image, samples, map[string]string{
		"mask_source": "INIT_IMAGE_ALPHA",
	})
}

func (c *Client) imageForm(ctx context.Context, op, path, prompt, image string, samples int, extra map[string]string) ([]string, error) {
	var png []byte
	return invoke.Do(ctx, c.inv, invoke.Call[[]string]{
		Provider:  Provider,
		Operation: op,
		Key:       c.apiKey,
		Classify:  Classify,
		Prepare: func() (err error) {
			png, err = decodeImage(image)
			return err
		},
		Run: func(ctx context.Context, _ invoke.Attempt) ([]string, error) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)

			fw, err := mw.CreateFormFile("init_image", "init_image.png")
			if err != nil {
				return nil, err
			}
			if _, err := fw.Write(png); err != nil {
				return nil, err
			}
			fields := map[string]string{
				"text_prompts[0][text]": prompt,
				"cfg_scale":             strconv.Itoa(cfgScale),
				"clip_guidance_preset":  clipGuidance,
				"samples":               strconv.Itoa(samples),
				"steps":                 strconv.Itoa(TrainingSteps),
			}
			for k, v := range extra {
				fields[k] = v
			}
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return nil, err
				}
			}
			if err := mw.Close(); err != nil {
				return nil, err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), &buf)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			return c.do(req)
		},
	})
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/v1/generation/%s/%s", c.host, c.engine, path)
}

func (c *Client) do(req *http.Request) ([]string, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var gen generationResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("stability: unmarshal: %w", err)
	}
	return gen.images(), nil
}

func decodeImage(image string) ([]byte, error) {
	png, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, &invoke.Error{Provider: Provider, Code: http.StatusBadRequest, Message: "Invalid base64 image.", Cause: err}
	}
	return png, nil
}
