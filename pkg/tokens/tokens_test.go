package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristic(t *testing.T) {
	h := Heuristic{CharsPerToken: 4, CompletionTokens: 1000}

	assert.Equal(t, int64(1000), h.Estimate(""))
	assert.Equal(t, int64(1001), h.Estimate("abcd"))
	assert.Equal(t, int64(1002), h.Estimate("abcde"))
	// Runes, not bytes.
	assert.Equal(t, int64(1001), h.Estimate("ßßßß"))
}

func TestHeuristicDefaultsCharsPerToken(t *testing.T) {
	assert.Equal(t, int64(2), Heuristic{}.Estimate("12345678"))
}

func TestNewSelectsHeuristic(t *testing.T) {
	h := Heuristic{CharsPerToken: 4}
	assert.Equal(t, h, New("", h))
	assert.IsType(t, &Tiktoken{}, New("cl100k_base", h))
}

func TestTiktokenFallsBackOnUnknownEncoding(t *testing.T) {
	tk := NewTiktoken("no_such_encoding", Heuristic{CharsPerToken: 4, CompletionTokens: 10})
	assert.Error(t, tk.Err())
	assert.Equal(t, int64(11), tk.Estimate("abcd"))
}

func TestTiktokenCounts(t *testing.T) {
	tk := NewTiktoken("cl100k_base", Heuristic{CharsPerToken: 4, CompletionTokens: 0})
	if tk.Err() != nil {
		t.Skipf("tiktoken encoding unavailable: %v", tk.Err())
	}
	assert.Equal(t, int64(2), tk.Estimate("hello world"))
}
