// Package tokenizer counts tokens the way the OpenAI models do and knows the
// context limits of the models the bot talks to.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// Counter returns the number of tokens text encodes to.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

var loaderOnce sync.Once

// BPE counts tokens with a tiktoken encoding. It is safe for concurrent use.
type BPE struct {
	encoding string
	tke      *tiktoken.Tiktoken
	mu       sync.Mutex
}

// New loads the named encoding (cl100k_base, p50k_base, ...) from the
// ranks embedded in the binary; no network access is needed.
func New(encoding string) (*BPE, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	return &BPE{encoding: encoding, tke: tke}, nil
}

// ForModel loads the encoding the registry assigns to m.
func ForModel(m Model) (*BPE, error) {
	return New(m.Encoding)
}

func (b *BPE) Encoding() string { return b.encoding }

func (b *BPE) Count(text string) int {
	if text == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tke.Encode(text, nil, nil))
}
