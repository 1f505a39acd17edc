package model

import (
	"fmt"
	"sort"
)

const (
	minLogitBias = -100
	maxLogitBias = 100
)

// LogitBias adjusts the likelihood of tokens. Biases may be keyed by text,
// which a backend materializes into token ids, or by token id directly.
type LogitBias struct {
	texts  map[string]float64
	tokens map[int]float64
	built  map[int]float64
}

// NewLogitBias returns an empty bias table.
func NewLogitBias() *LogitBias {
	return &LogitBias{}
}

// AddText biases every token of text.
func (b *LogitBias) AddText(text string, bias float64) *LogitBias {
	if b.texts == nil {
		b.texts = make(map[string]float64)
	}
	b.texts[text] = bias
	b.built = nil
	return b
}

// AddToken biases a single token id.
func (b *LogitBias) AddToken(id int, bias float64) *LogitBias {
	if b.tokens == nil {
		b.tokens = make(map[int]float64)
	}
	b.tokens[id] = bias
	b.built = nil
	return b
}

// HasText reports whether any text-keyed bias needs materializing.
func (b *LogitBias) HasText() bool {
	return b != nil && len(b.texts) > 0
}

// Empty reports whether the table carries no bias at all.
func (b *LogitBias) Empty() bool {
	return b == nil || (len(b.texts) == 0 && len(b.tokens) == 0)
}

// Validate checks every bias lies in [-100, 100].
func (b *LogitBias) Validate() error {
	if b == nil {
		return nil
	}
	for text, v := range b.texts {
		if v < minLogitBias || v > maxLogitBias {
			return &BuilderError{Reason: fmt.Sprintf("logit bias %v for %q out of range", v, text)}
		}
	}
	for id, v := range b.tokens {
		if v < minLogitBias || v > maxLogitBias {
			return &BuilderError{Reason: fmt.Sprintf("logit bias %v for token %d out of range", v, id)}
		}
	}
	return nil
}

// Materialize resolves text biases with encode and merges them with the
// token-id biases. Token-id entries win on conflict.
func (b *LogitBias) Materialize(encode func(string) ([]int, error)) error {
	if b == nil {
		return nil
	}
	if err := b.Validate(); err != nil {
		return err
	}
	built := make(map[int]float64, len(b.tokens))
	texts := make([]string, 0, len(b.texts))
	for text := range b.texts {
		texts = append(texts, text)
	}
	sort.Strings(texts)
	for _, text := range texts {
		if encode == nil {
			return &BuilderError{Reason: "text logit bias requires a tokenizer"}
		}
		ids, err := encode(text)
		if err != nil {
			return &BuilderError{Reason: fmt.Sprintf("tokenize %q", text), Err: err}
		}
		for _, id := range ids {
			built[id] = b.texts[text]
		}
	}
	for id, v := range b.tokens {
		built[id] = v
	}
	b.built = built
	return nil
}

// Built returns the materialized token-id table, or nil before Materialize.
func (b *LogitBias) Built() map[int]float64 {
	if b == nil || b.built == nil {
		return nil
	}
	out := make(map[int]float64, len(b.built))
	for id, v := range b.built {
		out[id] = v
	}
	return out
}

// Clone returns an independent copy.
func (b *LogitBias) Clone() *LogitBias {
	if b == nil {
		return nil
	}
	out := &LogitBias{}
	for text, v := range b.texts {
		out.AddText(text, v)
	}
	for id, v := range b.tokens {
		out.AddToken(id, v)
	}
	out.built = b.Built()
	return out
}
