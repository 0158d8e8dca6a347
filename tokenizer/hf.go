// Package tokenizer wraps the HuggingFace tokenizers binding behind the
// engine's Tokenizer interface.
package tokenizer

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HF is a HuggingFace tokenizer loaded from a tokenizer.json file
type HF struct {
	tk    *tokenizers.Tokenizer
	eosID int
}

// NewHF loads a tokenizer from the given tokenizer.json path. eosID is the
// model's end-of-sequence token; the binding does not expose it, so the
// caller supplies it from the model config.
func NewHF(path string, eosID int) (*HF, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", path, err)
	}

	return &HF{tk: tk, eosID: eosID}, nil
}

// Encode converts text to token IDs with special tokens added
func (t *HF) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, true)

	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return tokens, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *HF) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// DecodeToken returns the text of a single token with special tokens kept,
// suitable as a grammar matcher's token decoder.
func (t *HF) DecodeToken(token int) (string, error) {
	return t.tk.Decode([]uint32{uint32(token)}, false), nil
}

// EOSTokenID returns the EOS token ID
func (t *HF) EOSTokenID() int {
	return t.eosID
}

// Close releases the underlying native tokenizer
func (t *HF) Close() error {
	t.tk.Close()
	return nil
}
