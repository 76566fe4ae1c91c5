// Package tokencount estimates token counts for text Plexus generates or
// receives itself, used when a provider omits usage accounting and for
// the Anthropic reasoning-token imputation.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding mirrors the cl100k_base BPE most current chat models
// use; it is an approximation for non-OpenAI providers, since any local
// count is inherently an estimate rather than the provider's own figure.
const defaultEncoding = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
	errE error
)

func encoder() (*tiktoken.Tiktoken, error) {
	once.Do(func() {
		enc, errE = tiktoken.GetEncoding(defaultEncoding)
	})
	return enc, errE
}

// Count returns an estimated token count for text. Falls back to a
// crude /4-characters heuristic if the encoder fails to load, rather
// than propagating an error for what is already a best-effort figure.
func Count(text string) int {
	if text == "" {
		return 0
	}
	e, err := encoder()
	if err != nil || e == nil {
		return len(text)/4 + 1
	}
	return len(e.Encode(text, nil, nil))
}
