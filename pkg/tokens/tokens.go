// Package tokens estimates the token cost of a model call before it is made.
package tokens

import (
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator predicts the total tokens a call for prompt will consume,
// including the expected completion.
type Estimator interface {
	Estimate(prompt string) int64
}

// Heuristic estimates ceil(runes / CharsPerToken) prompt tokens plus a fixed
// completion allowance.
type Heuristic struct {
	CharsPerToken    float64
	CompletionTokens int64
}

// Estimate implements Estimator.
func (h Heuristic) Estimate(prompt string) int64 {
	return h.promptTokens(prompt) + h.CompletionTokens
}

func (h Heuristic) promptTokens(prompt string) int64 {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	n := utf8.RuneCountInString(prompt)
	return int64(math.Ceil(float64(n) / cpt))
}

// Tiktoken counts prompt tokens with a BPE encoding and falls back to the
// heuristic when the encoding cannot be loaded (it is fetched on first use
// unless TIKTOKEN_CACHE_DIR is warm).
type Tiktoken struct {
	encoding string
	fallback Heuristic

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktoken returns an estimator for the named encoding, e.g. cl100k_base
// or o200k_base.
func NewTiktoken(encoding string, fallback Heuristic) *Tiktoken {
	return &Tiktoken{encoding: encoding, fallback: fallback}
}

func (t *Tiktoken) load() {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(t.encoding)
		if t.err != nil {
			t.err = fmt.Errorf("load encoding %s: %w", t.encoding, t.err)
		}
	})
}

// Err reports why the encoding is unavailable, if it is.
func (t *Tiktoken) Err() error {
	t.load()
	return t.err
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(prompt string) int64 {
	t.load()
	if t.enc == nil {
		return t.fallback.Estimate(prompt)
	}
	return int64(len(t.enc.EncodeOrdinary(prompt))) + t.fallback.CompletionTokens
}

// New builds the configured estimator. An empty encoding selects the
// heuristic.
func New(encoding string, h Heuristic) Estimator {
	if encoding == "" {
		return h
	}
	return NewTiktoken(encoding, h)
}
