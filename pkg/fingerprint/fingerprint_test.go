package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What is the Arctic resolution about?", "what is the arctic resolution about?"},
		{"  What   is\tthe\nArctic  ", "what is the arctic"},
		{"STRASSE", "strasse"},
		{"Straße", "strasse"},
		{"", ""},
		{" \t\n ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestOfStableAcrossFormatting(t *testing.T) {
	a := Of("What is the Arctic resolution about?", Context{})
	b := Of("  what IS the arctic   resolution about?", Context{})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestOfDiscriminatesContext(t *testing.T) {
	q := "Summarize the affirmative case"
	global := Of(q, Context{})
	article := Of(q, Context{ArticleID: "art-1"})
	session := Of(q, Context{ArticleID: "art-1", SessionID: "sess-1"})

	assert.NotEqual(t, global, article)
	assert.NotEqual(t, article, session)
	assert.Equal(t, article, Of(q, Context{ArticleID: "art-1"}))
}

func TestOfFieldBoundaries(t *testing.T) {
	// Moving bytes between fields must change the key.
	a := Of("q", Context{ArticleID: "ab", SessionID: "c"})
	b := Of("q", Context{ArticleID: "a", SessionID: "bc"})
	assert.NotEqual(t, a, b)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "tiercache:exact:abc", Key("abc"))
}
