// Package estimate maps payload sizes to approximate token counts and cost.
//
// The heuristics are intentionally coarse: they avoid a round trip to the
// provider just to price a request and will drift from the provider's own
// tokenizer. Treat results as an approximation, not billing-grade truth.
package estimate

import "unicode/utf8"

const (
	charsPerToken      = 4
	audioBytesPerToken = 1000
)

// TextTokens estimates tokens for text as ceil(characters/4), counting
// runes rather than UTF-8 bytes.
func TextTokens(text string) int {
	return ceilDiv(utf8.RuneCountInString(text), charsPerToken)
}

// AudioTokens estimates tokens for n bytes of audio as ceil(n/1000).
func AudioTokens(n int) int {
	return ceilDiv(n, audioBytesPerToken)
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// Pricing holds per-million-token rates in USD.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// InputRate is the cost of a single input token.
func (p Pricing) InputRate() float64 { return p.InputPerMTok / 1_000_000 }

// OutputRate is the cost of a single output token.
func (p Pricing) OutputRate() float64 { return p.OutputPerMTok / 1_000_000 }

// Cost returns in*inputRate + out*outputRate.
func (p Pricing) Cost(in, out int) float64 {
	return float64(in)*p.InputRate() + float64(out)*p.OutputRate()
}
