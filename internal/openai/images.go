package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/aimessages/aimessages/internal/invoke"
)

type imageRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
	User           string `json:"user,omitempty"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (r imagesResponse) first() string {
	if len(r.Data) == 0 {
		return ""
	}
	return r.Data[0].B64JSON
}

// CreateImage generates one 512x512 image and returns it base64 encoded.
func (c *Client) CreateImage(ctx context.Context, prompt, user string) (string, error) {
	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpImageCreate,
		Key:       c.apiKey,
		Classify:  Classify,
		Run: func(ctx context.Context, _ invoke.Attempt) (string, error) {
			var resp imagesResponse
			err := c.postJSON(ctx, "/v1/images/generations", imageRequest{
				Prompt:         prompt,
				N:              1,
				Size:           imageSize,
				ResponseFormat: "b64_json",
				User:           user,
			}, &resp)
			if err != nil {
				return "", err
			}
			return resp.first(), nil
		},
	})
}

// EditImage repaints the transparent areas of image (base64 PNG) following prompt.
func (c *Client) EditImage(ctx context.Context, prompt, image, user string) (string, error) {
	var png []byte
	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpImageEdit,
		Key:       c.apiKey,
		Classify:  Classify,
		Prepare: func() (err error) {
			png, err = decodeImage(image)
			return err
		},
		Run: func(ctx context.Context, _ invoke.Attempt) (string, error) {
			return c.postImageForm(ctx, "/v1/images/edits", png, map[string]string{"prompt": prompt}, user)
		},
	})
}

// ImageVariation returns a variation of image (base64 PNG).
func (c *Client) ImageVariation(ctx context.Context, image, user string) (string, error) {
	var png []byte
	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpImageVariation,
		Key:       c.apiKey,
		Classify:  Classify,
		Prepare: func() (err error) {
			png, err = decodeImage(image)
			return err
		},
		Run: func(ctx context.Context, _ invoke.Attempt) (string, error) {
			return c.postImageForm(ctx, "/v1/images/variations", png, nil, user)
		},
	})
}

func decodeImage(image string) ([]byte, error) {
	png, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, &invoke.Error{Provider: Provider, Code: http.StatusBadRequest, Message: "Invalid base64 image.", Cause: err}
	}
	return png, nil
}

func (c *Client) postImageForm(ctx context.Context, path string, png []byte, fields map[string]string, user string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("image", "image.png")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(png); err != nil {
		return "", err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	for k, v := range map[string]string{
		"n":               strconv.Itoa(1),
		"size":            imageSize,
		"response_format": "b64_json",
		"user":            user,
	} {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp imagesResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.first(), nil
}
