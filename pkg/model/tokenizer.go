package model

const (
	defaultBytesPerToken    = 4
	defaultTokensPerMessage = 3
)

// ApproxTokenizer estimates token counts from byte length. API backends use
// it when the provider exposes no tokenizer; estimates round up.
type ApproxTokenizer struct {
	BytesPerToken int
}

// CountTokens returns ceil(len(text) / BytesPerToken).
func (t ApproxTokenizer) CountTokens(text string) int {
	per := t.BytesPerToken
	if per <= 0 {
		per = defaultBytesPerToken
	}
	if text == "" {
		return 0
	}
	return (len(text) + per - 1) / per
}

// CountMessageTokens sums message tokens plus a fixed per-message overhead
// for role and framing markers.
func CountMessageTokens(tok Tokenizer, messages []Message, perMessage int) int {
	if tok == nil {
		tok = ApproxTokenizer{}
	}
	if perMessage <= 0 {
		perMessage = defaultTokensPerMessage
	}
	total := 0
	for _, msg := range messages {
		total += perMessage + tok.CountTokens(msg.Content)
	}
	return total
}
