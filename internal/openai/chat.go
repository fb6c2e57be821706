package openai

import (
	"context"
	"errors"
	"log"

	"github.com/aimessages/aimessages/internal/conversation"
	"github.com/aimessages/aimessages/internal/invoke"
)

const (
	finishLength        = "length"
	finishContentFilter = "content_filter"

	// completionShrinkStep is added to the prompt cost each time a plain
	// completion runs out of room, leaving less for the answer.
	completionShrinkStep = 100
)

var (
	errNoChoices = errors.New("openai: response has no choices")
	errTruncated = errors.New("openai: response truncated by length")
)

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []conversation.Turn `json:"messages"`
	Temperature float32             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	User        string              `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      conversation.Turn `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	User        string  `json:"user,omitempty"`
}

type editRequest struct {
	Model       string  `json:"model"`
	Input       string  `json:"input"`
	Instruction string  `json:"instruction"`
	Temperature float32 `json:"temperature"`
}

type textResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ChatCompletion answers a formatted conversation. tokens is the prompt cost
// of turns as computed by the formatter. When the answer is cut short the
// oldest exchange is dropped and the request is sent again; once that is no
// longer possible the truncated answer is returned.
func (c *Client) ChatCompletion(ctx context.Context, turns []conversation.Turn, tokens int, user string) (string, error) {
	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpChatCompletion,
		Key:       c.apiKey,
		Classify:  Classify,
		Run: func(ctx context.Context, a invoke.Attempt) (string, error) {
			var resp chatResponse
			err := c.postJSON(ctx, "/v1/chat/completions", chatRequest{
				Model:       c.chat.Name,
				Messages:    turns,
				Temperature: temperature,
				MaxTokens:   c.chat.ContextWindow - tokens - c.buffer,
				User:        user,
			}, &resp)
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", errNoChoices
			}

			choice := resp.Choices[0]
			switch {
			case choice.FinishReason == finishContentFilter:
				return ContentFilteredMessage, nil
			case choice.FinishReason == finishLength && len(turns) >= 4 && !a.Last:
				log.Printf("openai: chat answer truncated, dropping oldest exchange (%d turns)", len(turns))
				turns = conversation.DropOldestExchange(turns)
				tokens = conversation.CountTurns(c.chatCounter, turns)
				return "", invoke.Again(errTruncated)
			}
			return choice.Message.Content, nil
		},
	})
}

// Completion runs a plain prompt completion. A truncated answer is retried
// with a smaller max_tokens until no attempts remain.
func (c *Client) Completion(ctx context.Context, prompt, user string) (string, error) {
	tokens := c.completionCounter.Count(prompt)

	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpCompletion,
		Key:       c.apiKey,
		Classify:  Classify,
		Run: func(ctx context.Context, a invoke.Attempt) (string, error) {
			var resp textResponse
			err := c.postJSON(ctx, "/v1/completions", completionRequest{
				Model:       c.completion.Name,
				Prompt:      prompt,
				Temperature: temperature,
				MaxTokens:   c.completion.ContextWindow - tokens - c.buffer,
				User:        user,
			}, &resp)
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", errNoChoices
			}

			choice := resp.Choices[0]
			switch {
			case choice.FinishReason == finishContentFilter:
				return ContentFilteredMessage, nil
			case choice.FinishReason == finishLength && !a.Last:
				tokens += completionShrinkStep
				return "", invoke.Again(errTruncated)
			}
			return choice.Text, nil
		},
	})
}

// TextEdit rewrites input following instruction.
func (c *Client) TextEdit(ctx context.Context, input, instruction string) (string, error) {
	return invoke.Do(ctx, c.inv, invoke.Call[string]{
		Provider:  Provider,
		Operation: OpTextEdit,
		Key:       c.apiKey,
		Classify:  Classify,
		Run: func(ctx context.Context, _ invoke.Attempt) (string, error) {
			var resp textResponse
			err := c.postJSON(ctx, "/v1/edits", editRequest{
				Model:       c.editModel,
				Input:       input,
				Instruction: instruction,
				Temperature: temperature,
			}, &resp)
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", errNoChoices
			}
			return resp.Choices[0].Text, nil
		},
	})
}
