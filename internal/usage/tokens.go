package usage

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var encoders sync.Map // model -> *tiktoken.Tiktoken, or nil when unavailable

// CountTokens returns the prompt token count for text under model's encoding.
// When no encoding can be loaded it falls back to roughly four characters per token.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func encoderFor(model string) *tiktoken.Tiktoken {
	model = strings.TrimSpace(model)
	if cached, ok := encoders.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	encoders.Store(model, enc)
	return enc
}
